// Package signing generates and verifies HMAC signatures for artifact
// download URLs, so clients can fetch covers and transcripts without a
// session.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for a job artifact and expiry.
func (s *Signer) Sign(jobID, artifact string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%s:%d", jobID, artifact, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature against the expected one.
// Expiry enforcement is the caller's job; this only proves the URL was
// minted by a holder of the secret.
func (s *Signer) Validate(jobID, artifact, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(jobID, artifact, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
