package middleware

import (
	"strings"
	"sync"

	"github.com/ccrelay/gateway/pkg/auth"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// KeyLookup resolves a presented key's hash to its stored record.
type KeyLookup func(keyHash string) (*auth.APIKey, error)

// AuthConfig configures the client API-key middleware.
type AuthConfig struct {
	Manager *auth.APIKeyManager
	Lookup  KeyLookup
}

// keyRateLimiters caches one token-bucket limiter per API key so each key's
// RateLimit is enforced independently without re-allocating a limiter on
// every request.
type keyRateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newKeyRateLimiters() *keyRateLimiters {
	return &keyRateLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (k *keyRateLimiters) get(keyID string, perMinute int) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.limiters[keyID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(perMinute)/60.0, perMinute)
	k.limiters[keyID] = l
	return l
}

// APIKeyAuth authenticates every request against an "Authorization: ApiKey
// <key>" header, rejecting invalid, revoked, or expired keys and enforcing
// each key's own rate limit.
func APIKeyAuth(config AuthConfig) fiber.Handler {
	limiters := newKeyRateLimiters()

	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if !strings.HasPrefix(header, "ApiKey ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing or malformed Authorization header, expected 'ApiKey <key>'",
			})
		}
		key := strings.TrimPrefix(header, "ApiKey ")

		keyHash := config.Manager.HashAPIKey(key)
		stored, err := config.Lookup(keyHash)
		if err != nil {
			log.Debug().Err(err).Msg("api key lookup failed")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid api key"})
		}

		if err := config.Manager.ValidateAPIKey(key, stored); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}

		if stored.RateLimit > 0 {
			if !limiters.get(stored.ID.String(), stored.RateLimit).Allow() {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
			}
		}

		stored.UpdateLastUsed()
		c.Locals(string(APIKeyIDKey), stored.ID.String())
		c.Set("X-API-Key-ID", stored.ID.String())

		return c.Next()
	}
}
