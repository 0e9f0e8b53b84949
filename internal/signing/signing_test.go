package signing

import (
	"strconv"
	"testing"
	"time"
)

func TestSigner(t *testing.T) {
	secret := []byte("topsecret")
	s := NewSigner(secret)
	now := time.Unix(1700000000, 0)
	exp := now.Add(time.Hour).Unix()
	expStr := strconv.FormatInt(exp, 10)

	sig := s.Sign("doc123", exp)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("doc123", expStr, sig, now) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("other", expStr, sig, now) {
		t.Fatalf("expected validation to fail for wrong document id")
	}
	if s.Validate("doc123", "42", sig, now) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
}

func TestSignerExpired(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	exp := int64(1700000000)
	sig := s.Sign("doc123", exp)
	after := time.Unix(exp+1, 0)
	if s.Validate("doc123", strconv.FormatInt(exp, 10), sig, after) {
		t.Fatalf("expected expired link to fail validation")
	}
}
