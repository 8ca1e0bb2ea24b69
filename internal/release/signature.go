package release

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a release feed body.
const SignatureHeader = "X-Signature-256"

// ErrBadSignature is returned when a signed feed fails verification. It
// carries no detail about which part did not match.
var ErrBadSignature = errors.New("release feed signature verification failed")

// verifySignature checks signature, either "sha256=<hex>" or bare hex,
// against body in constant time.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	actual, err := parseSignature(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return ErrBadSignature
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
}

// Sign returns the "sha256=<hex>" signature a feed publisher sends for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
