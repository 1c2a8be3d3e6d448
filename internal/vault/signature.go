// Package vault provides the guard's security primitives: webhook signature
// checks and TLS certificate generation for the admin listener.
package vault

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the OneBot webhook signature.
const SignatureHeader = "X-Signature"

var (
	// ErrMissingSignature is returned when a secret is configured but the
	// request carries no signature.
	ErrMissingSignature = errors.New("missing signature")
	// ErrBadSignature is returned for malformed or non-matching signatures.
	ErrBadSignature = errors.New("signature mismatch")
)

// Sign returns the header value OneBot sends for body: "sha1=" followed by
// the hex HMAC-SHA1 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against body. An empty secret disables the
// check.
func VerifySignature(body []byte, header, secret string) error {
	if secret == "" {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	hexSum, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
