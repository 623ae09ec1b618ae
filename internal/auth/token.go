// Package auth provides service token generation, hashing, and comparison
// utilities used by both the gateway and CLI admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// TokenPrefix marks gateway service tokens so they are recognisable in
// client configuration.
const TokenPrefix = "ksw_"

// GenerateToken returns a cryptographically random, URL-safe service token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest under which a token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenMatches compares a presented secret with the expected one without
// leaking their length or content through timing.
func TokenMatches(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return ConstantTimeHashEquals(HashToken(presented), HashToken(expected))
}
