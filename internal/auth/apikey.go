package auth

import (
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyVerifier checks the shared key agents present on ingestion calls.
// A bcrypt hash takes precedence over a plain key.
type APIKeyVerifier struct {
	mu    sync.RWMutex
	plain []byte
	hash  []byte
}

// NewAPIKeyVerifier creates a verifier. One of plain or hash must be set
// for any key to verify.
func NewAPIKeyVerifier(plain, hash string) *APIKeyVerifier {
	v := &APIKeyVerifier{}
	v.Rotate(plain, hash)
	return v
}

// Rotate replaces the accepted key.
func (v *APIKeyVerifier) Rotate(plain, hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plain = []byte(plain)
	v.hash = []byte(hash)
}

// Verify reports whether key is the configured agent key.
func (v *APIKeyVerifier) Verify(key string) bool {
	if key == "" {
		return false
	}

	v.mu.RLock()
	plain, hash := v.plain, v.hash
	v.mu.RUnlock()

	if len(hash) > 0 {
		return bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil
	}
	if len(plain) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(plain, []byte(key)) == 1
}

// HashAPIKey returns the bcrypt hash to configure as agent_api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
