package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ccrelay/gateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOnMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)

	records, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)

	account := models.NewAccount("a@example.com", "manual")
	account.Credentials = "encrypted-blob"
	account.Subscription = models.Subscription{Tier: "pro", ProjectID: "proj-1", DetectedAt: time.Now()}

	require.NoError(t, s.Save([]Record{FromAccount(account)}))

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, account.Email, records[0].Email)
	assert.Equal(t, "encrypted-blob", records[0].Credentials)

	restored, err := records[0].ToAccount()
	require.NoError(t, err)
	assert.Equal(t, account.ID, restored.ID)
	assert.Equal(t, account.Subscription.Tier, restored.Subscription.Tier)
	assert.Empty(t, restored.Quota.Models)
	assert.Empty(t, restored.ModelRateLimits)
}

func TestSaveOverwritesPreviousContent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)

	first := models.NewAccount("a@example.com", "manual")
	require.NoError(t, s.Save([]Record{FromAccount(first)}))

	second := models.NewAccount("b@example.com", "manual")
	require.NoError(t, s.Save([]Record{FromAccount(second)}))

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b@example.com", records[0].Email)
}
