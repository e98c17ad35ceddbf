package config

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// WorkerAuth verifies the shared secret executors present on internal callbacks.
// Only a bcrypt hash of the secret needs to be configured on the API side.
type WorkerAuth struct {
	hash []byte

	// A verified token is remembered by digest so every step update does not
	// pay for a bcrypt comparison.
	mu       sync.RWMutex
	verified [sha256.Size]byte
	ok       bool
}

// NewWorkerAuth builds a verifier from the worker config. When only the plain
// token is configured it is hashed with the configured cost.
func NewWorkerAuth(cfg WorkerConfig) (*WorkerAuth, error) {
	if cfg.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.TokenHash)); err != nil {
			return nil, fmt.Errorf("invalid worker.token_hash: %w", err)
		}
		return &WorkerAuth{hash: []byte(cfg.TokenHash)}, nil
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: worker.token or worker.token_hash is required", ErrMissingSecret)
	}
	hash, err := HashWorkerToken(cfg.Token, cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	return &WorkerAuth{hash: []byte(hash)}, nil
}

// HashWorkerToken hashes a worker token for the worker.token_hash setting.
func HashWorkerToken(token string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > 14 {
		return "", fmt.Errorf("bcrypt cost out of range: %d (must be %d-14)", cost, bcrypt.MinCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash worker token: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether token matches the configured hash.
func (a *WorkerAuth) Verify(token string) bool {
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	a.mu.RLock()
	cached := a.ok && subtle.ConstantTimeCompare(digest[:], a.verified[:]) == 1
	a.mu.RUnlock()
	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified = digest
	a.ok = true
	a.mu.Unlock()
	return true
}
