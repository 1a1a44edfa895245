// internal/core/publish/hmac.go
package publish

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// Callback message authentication errors.
var (
	ErrUnknownKeyID     = errors.New("unknown callback key id")
	ErrBadSignature     = errors.New("callback signature verification failed")
	ErrMissingSignature = errors.New("callback message missing signature headers")
)

// ComputeSignature computes the HMAC-SHA256 signature of a callback
// body.
func ComputeSignature(secret, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return h.Sum(nil)
}

// EncodeSignature renders a signature for the message header.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifySignature checks a callback body against the signature header
// using the secret registered for keyID. Comparison is constant-time.
func VerifySignature(secrets map[string][]byte, keyID, encodedSig string, body []byte) error {
	if keyID == "" || encodedSig == "" {
		return ErrMissingSignature
	}
	secret, ok := secrets[keyID]
	if !ok {
		return ErrUnknownKeyID
	}
	sig, err := base64.StdEncoding.DecodeString(encodedSig)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(sig, ComputeSignature(secret, body)) {
		return ErrBadSignature
	}
	return nil
}
