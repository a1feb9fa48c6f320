package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrSignatureInvalid reports that the signature header does not match the
// request body.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// VerifySignature checks that signature is the base64 HMAC-SHA256 of body
// under secret. It must be called with the raw request bytes: re-encoding a
// parsed payload is not guaranteed to reproduce the original byte sequence.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the signature a sender would attach for body. Used by the
// signwebhook tool and tests.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
