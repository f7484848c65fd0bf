// Package cryptoutils provides the cryptographic primitives used by the
// guardian recovery protocol: high-entropy single-use tokens, AES-GCM data
// encryption key wrapping, HKDF-based key-encryption-key derivation, and
// backup-code normalization and hashing.
package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of approval and context tokens. 32 bytes (256
// bits) keeps brute force infeasible within the 15-minute validity window.
const tokenBytes = 32

// NewToken generates a random single-use token, base64url encoded without
// padding. The raw token is returned to the caller exactly once; persistence
// only ever sees its hash.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex-encoded SHA-256 digest of a raw token. Lookups
// key on this digest so a storage compromise does not yield usable tokens.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking the match position.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewNonce generates the random challenge nonce bound into the signed
// message.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
