// Package signature computes and verifies the HMAC that authenticates
// outbound webhook payloads. It is imported by the delivery worker only;
// nothing in the operator API reaches a signing secret through it.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the lowercase hex HMAC-SHA256 of payload under secret.
// Deterministic: the same payload and secret always produce the same value.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of payload under secret.
// The comparison is constant time.
func Verify(payload []byte, sig string, secret []byte) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(sig))
}
