// Package auth validates inbound API keys. Keys are held as SHA-256
// hashes and compared in constant time.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator validates inbound API keys against a configured set.
type Authenticator struct {
	keyHashes []string
}

// NewAuthenticator builds an authenticator from plaintext keys. Returns
// nil when no keys are configured, which disables authentication.
func NewAuthenticator(apiKeys []string) *Authenticator {
	if len(apiKeys) == 0 {
		return nil
	}
	a := &Authenticator{}
	for _, key := range apiKeys {
		a.keyHashes = append(a.keyHashes, HashAPIKey(key))
	}
	return a
}

// ValidateAPIKey checks a presented key against the configured set.
func (a *Authenticator) ValidateAPIKey(apiKey string) error {
	hash := HashAPIKey(apiKey)
	for _, known := range a.keyHashes {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(known)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("invalid API key")
}

// ExtractAPIKey pulls the bearer token out of the Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return parts[1], nil
}

// HashAPIKey creates the SHA-256 hex digest used for key comparison.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
