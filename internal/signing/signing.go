// Package signing implements the HMAC helper behind expiring share links for
// extracted document text.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based share tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for a document id and expiry.
func (s *Signer) Sign(documentID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", documentID, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature and that the link has not expired.
func (s *Signer) Validate(documentID, expires, signature string, now time.Time) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if now.Unix() > exp {
		return false
	}
	expected := s.Sign(documentID, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
