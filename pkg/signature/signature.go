// Package signature computes and verifies the HMAC digests that authenticate
// job deliveries between the broker and registered worker endpoints.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

const (
	// Header carries the hex HMAC-SHA256 digest of the delivery body.
	Header = "Shove-Signature"
	// DeliveryIDHeader carries a per-attempt identifier so worker handlers
	// can deduplicate at-least-once deliveries.
	DeliveryIDHeader = "Shove-Delivery-Id"
)

var (
	// ErrMissingSecret classifies sign/verify calls without a secret.
	ErrMissingSecret = errors.New("signature: secret is required")
	// ErrMissingSignature classifies verification of a request without a signature header.
	ErrMissingSignature = errors.New("signature: signature header is required")
	// ErrMismatch classifies a failed signature comparison.
	ErrMismatch = errors.New("signature: digest mismatch")
)

// Sign returns the hex-encoded HMAC-SHA256 digest of payload keyed by secret.
// The digest is computed over the exact bytes given; callers must sign the
// literal bytes they transmit.
func Sign(secret []byte, payload []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches the digest of payload under secret.
// Comparison is constant-time.
func Verify(secret []byte, payload []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}
	expected, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	received := strings.TrimSpace(signature)
	if received == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(received))
}

// VerifyRequest checks the signature header of a received delivery against
// the raw body bytes. This is the contract worker applications apply before
// trusting an inbound callback.
func VerifyRequest(secret []byte, header http.Header, body []byte) error {
	if len(secret) == 0 {
		return ErrMissingSecret
	}
	received := strings.TrimSpace(header.Get(Header))
	if received == "" {
		return ErrMissingSignature
	}
	if !Verify(secret, body, received) {
		return ErrMismatch
	}
	return nil
}
