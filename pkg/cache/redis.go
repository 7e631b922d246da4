package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisTokenCache is the optional distributed backend for TokenCache,
// grounded on the teacher's pkg/cache/redis_client.go client wiring
// (same timeouts/pool sizing), but implementing TokenCache directly
// instead of the teacher's generic byte-string Redis wrapper.
type RedisTokenCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTokenCache connects to Redis and verifies reachability with a
// Ping, the same startup check the teacher's client performs.
func NewRedisTokenCache(addr, password string, db int, ttl time.Duration) (*RedisTokenCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisTokenCache{client: client, prefix: "ccrelay:token:", ttl: ttl}, nil
}

func (r *RedisTokenCache) key(accountID string) string {
	return r.prefix + accountID
}

func (r *RedisTokenCache) Get(ctx context.Context, accountID string) (TokenEntry, bool) {
	val, err := r.client.Get(ctx, r.key(accountID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("redis token cache get failed")
		}
		return TokenEntry{}, false
	}

	var entry TokenEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("redis token cache decode failed")
		return TokenEntry{}, false
	}
	return entry, true
}

func (r *RedisTokenCache) Set(ctx context.Context, accountID string, entry TokenEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("redis token cache encode failed")
		return
	}

	ttl := r.ttl
	if until := time.Until(entry.ExpiresAt); until > 0 && until < ttl {
		ttl = until
	}

	if err := r.client.Set(ctx, r.key(accountID), data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("redis token cache set failed")
	}
}

// Close releases the underlying Redis connection pool.
func (r *RedisTokenCache) Close() error {
	return r.client.Close()
}
