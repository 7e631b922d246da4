// Package cache provides the token/project cache collaborator named in
// the account pool's design: a place to stash a refreshed bearer token so
// concurrent requests for the same account don't each trigger their own
// OAuth round trip.
package cache

import (
	"context"
	"time"
)

// TokenEntry is a cached credential for one account.
type TokenEntry struct {
	Token     string
	ProjectID string
	ExpiresAt time.Time
}

// TokenCache is the seam the pool depends on; MemoryTokenCache is the
// default, RedisTokenCache an optional distributed backend for multi-
// instance deployments that still keep rate-limit state in-process per
// the spec's non-goals.
type TokenCache interface {
	Get(ctx context.Context, accountID string) (TokenEntry, bool)
	Set(ctx context.Context, accountID string, entry TokenEntry)
}
