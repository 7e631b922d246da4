package gateway

import (
	"time"

	"github.com/ccrelay/gateway/pkg/auth"
	"github.com/ccrelay/gateway/pkg/middleware"
	"golang.org/x/crypto/bcrypt"
)

func bcryptHash(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// buildKeyLookup turns the operator's plaintext key list from config into
// the sha256-keyed lookup table middleware.APIKeyAuth needs, hashing each
// key with bcrypt once at startup the same way auth.GenerateAPIKey would
// for a dynamically issued key.
func buildKeyLookup(mgr *auth.APIKeyManager, keys []string) middleware.KeyLookup {
	byHash := make(map[string]*auth.APIKey, len(keys))
	for _, key := range keys {
		hash, err := bcryptHash(key)
		if err != nil {
			continue
		}
		record := &auth.APIKey{
			KeyHash:     hash,
			Permissions: []string{"*"},
			ExpiresAt:   time.Now().AddDate(10, 0, 0),
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		byHash[mgr.HashAPIKey(key)] = record
	}

	return func(keyHash string) (*auth.APIKey, error) {
		record, ok := byHash[keyHash]
		if !ok {
			return nil, auth.ErrInvalidAPIKey
		}
		return record, nil
	}
}
