package media

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"golang.org/x/image/draw"

	"mediamon/internal/apperrors"
)

// ThumbWidth is the fixed thumbnail width; height preserves aspect ratio.
const ThumbWidth = 320

const (
	coverQuality = 85
	thumbQuality = 75
)

// WriteCoverAndThumb re-encodes the chosen frame as cover.jpg and a scaled
// thumb.jpg. Outputs are overwritten on re-runs.
func WriteCoverAndThumb(framePath, coverPath, thumbPath string) error {
	src, err := decodeJPEG(framePath)
	if err != nil {
		return err
	}
	if err := encodeJPEG(coverPath, src, coverQuality); err != nil {
		return err
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return apperrors.ExternalTool(nil, "frame %s has empty bounds", framePath)
	}
	thumbH := h * ThumbWidth / w
	if thumbH < 1 {
		thumbH = 1
	}
	thumb := image.NewRGBA(image.Rect(0, 0, ThumbWidth, thumbH))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), src, bounds, draw.Over, nil)
	return encodeJPEG(thumbPath, thumb, thumbQuality)
}

func decodeJPEG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, apperrors.ExternalTool(err, "decode frame %s", path)
	}
	return img, nil
}

func encodeJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
