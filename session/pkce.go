package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// verifierBytes is the number of random bytes behind the PKCE code verifier
// and the state parameter. 32 bytes gives 256 bits of entropy.
const verifierBytes = 32

// SecureRandomString returns n cryptographically random bytes, hex-encoded.
// It never falls back to a non-cryptographic source.
func SecureRandomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ChallengeFromVerifier derives the S256 code challenge for a PKCE verifier:
// SHA-256 of the UTF-8 verifier, base64url-encoded without padding.
// Deterministic for a given verifier.
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PKCE bundles the secret verifier with the anti-CSRF state parameter for a
// single authorization attempt.
type PKCE struct {
	State    string
	Verifier string
}

// GeneratePKCE produces a fresh state/verifier pair.
func GeneratePKCE() (*PKCE, error) {
	state, err := SecureRandomString(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier, err := SecureRandomString(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	return &PKCE{State: state, Verifier: verifier}, nil
}
