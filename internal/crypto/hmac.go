// Package crypto provides the agent's cryptographic primitives: HMAC
// signing for commands, bridge frames and control-plane requests, and
// password-derived symmetric encryption for secrets-at-rest.
//
// No third-party cryptography library appears anywhere in the example
// pack this agent is descended from; HMAC-SHA256, PBKDF2 and AES-GCM are
// exactly the class of primitive the standard library is the right tool
// for, so this package is built on crypto/hmac, crypto/sha256,
// crypto/aes, crypto/cipher and crypto/rand, plus
// golang.org/x/crypto/pbkdf2 for key derivation (the standard library
// itself has no PBKDF2).
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign returns the hex-encoded HMAC-SHA256 of message under key.
func Sign(key []byte, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the valid hex-encoded HMAC-SHA256 of
// message under key, using a constant-time comparison.
func Verify(key []byte, message []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, got) == 1
}
