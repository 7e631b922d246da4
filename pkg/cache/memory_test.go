package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTokenCacheSetGet(t *testing.T) {
	c := NewMemoryTokenCache(10)
	ctx := context.Background()

	_, ok := c.Get(ctx, "acct-1")
	assert.False(t, ok)

	entry := TokenEntry{Token: "tok", ProjectID: "proj", ExpiresAt: time.Now().Add(time.Hour)}
	c.Set(ctx, "acct-1", entry)

	got, ok := c.Get(ctx, "acct-1")
	require.True(t, ok)
	assert.Equal(t, entry.Token, got.Token)
	assert.Equal(t, entry.ProjectID, got.ProjectID)
}

func TestMemoryTokenCacheExpiredEntryIsMiss(t *testing.T) {
	c := NewMemoryTokenCache(10)
	ctx := context.Background()

	c.Set(ctx, "acct-1", TokenEntry{Token: "tok", ExpiresAt: time.Now().Add(-time.Minute)})

	_, ok := c.Get(ctx, "acct-1")
	assert.False(t, ok)
}

func TestMemoryTokenCacheEvictsOldestAtCapacity(t *testing.T) {
	c := NewMemoryTokenCache(2)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	c.Set(ctx, "acct-1", TokenEntry{Token: "a", ExpiresAt: future})
	c.Set(ctx, "acct-2", TokenEntry{Token: "b", ExpiresAt: future})
	c.Set(ctx, "acct-3", TokenEntry{Token: "c", ExpiresAt: future})

	_, ok := c.Get(ctx, "acct-1")
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.Get(ctx, "acct-3")
	assert.True(t, ok)
}
