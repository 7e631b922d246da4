// Package auth authenticates incoming clients against the gateway, distinct
// from internal/upstream's outbound OAuth credentials for the accounts the
// pool manages.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrAPIKeyRevoked = errors.New("api key revoked")
	ErrAPIKeyExpired = errors.New("api key expired")
)

const (
	apiKeyPrefix = "ccr"
	apiKeyLength = 32
)

// APIKey is one client credential issued to call the gateway's API.
type APIKey struct {
	ID          uuid.UUID
	Name        string
	KeyHash     string // bcrypt hash of the full key
	KeyPreview  string // first 12 chars, for identification in logs/admin
	Permissions []string
	RateLimit   int // requests per minute
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// APIKeyManager issues and validates client API keys.
type APIKeyManager struct {
	bcryptCost int
}

// NewAPIKeyManager builds a manager using bcrypt's default cost.
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{bcryptCost: bcrypt.DefaultCost}
}

// GenerateAPIKey creates a new key, returning both the stored record and the
// plaintext key (shown to the caller exactly once).
func (m *APIKeyManager) GenerateAPIKey(name string, permissions []string, rateLimit int, expiresIn time.Duration) (*APIKey, string, error) {
	keyBytes := make([]byte, apiKeyLength)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", fmt.Errorf("auth: generate random key: %w", err)
	}

	keySecret := base64.RawURLEncoding.EncodeToString(keyBytes)
	fullKey := fmt.Sprintf("%s_%s", apiKeyPrefix, keySecret)

	keyHash, err := bcrypt.GenerateFromPassword([]byte(fullKey), m.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash key: %w", err)
	}

	preview := fullKey
	if len(fullKey) > 12 {
		preview = fullKey[:12] + "..."
	}

	now := time.Now()
	expiresAt := now.Add(expiresIn)
	if expiresIn == 0 {
		expiresAt = now.AddDate(10, 0, 0)
	}

	apiKey := &APIKey{
		ID:          uuid.New(),
		Name:        name,
		KeyHash:     string(keyHash),
		KeyPreview:  preview,
		Permissions: permissions,
		RateLimit:   rateLimit,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	return apiKey, fullKey, nil
}

// ValidateAPIKey checks a presented key against its stored record.
func (m *APIKeyManager) ValidateAPIKey(key string, storedKey *APIKey) error {
	if !strings.HasPrefix(key, apiKeyPrefix+"_") {
		return ErrInvalidAPIKey
	}
	if storedKey.RevokedAt != nil {
		return ErrAPIKeyRevoked
	}
	if time.Now().After(storedKey.ExpiresAt) {
		return ErrAPIKeyExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedKey.KeyHash), []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}

// HashAPIKey produces a fast SHA-256 digest for keyed lookup; bcrypt itself
// is too slow to use as a map/index key.
func (m *APIKeyManager) HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// RevokeAPIKey marks a key unusable from now on.
func (m *APIKeyManager) RevokeAPIKey(apiKey *APIKey) {
	now := time.Now()
	apiKey.RevokedAt = &now
	apiKey.UpdatedAt = now
}

func (k *APIKey) IsExpired() bool { return time.Now().After(k.ExpiresAt) }

func (k *APIKey) IsRevoked() bool { return k.RevokedAt != nil }

func (k *APIKey) IsValid() bool { return !k.IsExpired() && !k.IsRevoked() }

// HasPermission reports whether the key grants permission, honoring the "*"
// wildcard.
func (k *APIKey) HasPermission(permission string) bool {
	for _, p := range k.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

func (k *APIKey) UpdateLastUsed() {
	now := time.Now()
	k.LastUsedAt = &now
	k.UpdatedAt = now
}

// ParseAPIKey splits a presented key into its prefix and secret, rejecting
// anything not carrying this gateway's prefix.
func ParseAPIKey(key string) (prefix, secret string, err error) {
	parts := strings.SplitN(key, "_", 2)
	if len(parts) != 2 {
		return "", "", ErrInvalidAPIKey
	}
	if parts[0] != apiKeyPrefix {
		return "", "", ErrInvalidAPIKey
	}
	return parts[0], parts[1], nil
}
