// Package webhook validates inbound release webhook deliveries.
//
// GitHub signs each delivery with HMAC-SHA1 over the raw request body and
// sends the result in the X-Hub-Signature header as "sha1=<hex>". Validation
// distinguishes a malformed header (the caller never produced a plausible
// signature, answered with 400) from a well-formed signature computed with the
// wrong secret (answered with 403).
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrMalformedSignature is returned when the signature header is missing,
	// lacks the sha1= prefix, or does not decode as hex.
	ErrMalformedSignature = errors.New("malformed webhook signature")

	// ErrSignatureMismatch is returned when the header is well formed but the
	// signature does not match the payload under the shared secret.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// ValidateSignature checks signatureHeader against the HMAC-SHA1 of body under
// secret. The comparison is constant time.
func ValidateSignature(body []byte, signatureHeader, secret string) error {
	sig, ok := strings.CutPrefix(signatureHeader, "sha1=")
	if !ok || sig == "" {
		return ErrMalformedSignature
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return ErrMalformedSignature
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}

	return nil
}

// Sign computes the X-Hub-Signature header value for body under secret.
// Used by tests and by the CLI helper that replays deliveries.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}
