package signing

import "testing"

func TestSigner(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	sig := s.Sign("job123", "cover.jpg", 1700000000)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("job123", "cover.jpg", "1700000000", sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("other", "cover.jpg", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong job id")
	}
	if s.Validate("job123", "thumb.jpg", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong artifact")
	}
	if s.Validate("job123", "cover.jpg", "42", sig) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
	if s.Validate("job123", "cover.jpg", "not-a-number", sig) {
		t.Fatalf("expected validation to fail for malformed expiry")
	}
}
