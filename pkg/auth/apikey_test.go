package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateAPIKey(t *testing.T) {
	m := NewAPIKeyManager()
	stored, plaintext, err := m.GenerateAPIKey("ci", []string{"messages:write"}, 60, time.Hour)
	require.NoError(t, err)
	assert.True(t, stored.IsValid())

	assert.NoError(t, m.ValidateAPIKey(plaintext, stored))
}

func TestValidateAPIKeyRejectsWrongKey(t *testing.T) {
	m := NewAPIKeyManager()
	stored, _, err := m.GenerateAPIKey("ci", nil, 60, time.Hour)
	require.NoError(t, err)

	err = m.ValidateAPIKey("ccr_not-the-right-secret", stored)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateAPIKeyRejectsRevoked(t *testing.T) {
	m := NewAPIKeyManager()
	stored, plaintext, err := m.GenerateAPIKey("ci", nil, 60, time.Hour)
	require.NoError(t, err)

	m.RevokeAPIKey(stored)
	err = m.ValidateAPIKey(plaintext, stored)
	assert.ErrorIs(t, err, ErrAPIKeyRevoked)
}

func TestValidateAPIKeyRejectsExpired(t *testing.T) {
	m := NewAPIKeyManager()
	stored, plaintext, err := m.GenerateAPIKey("ci", nil, 60, -time.Hour)
	require.NoError(t, err)

	err = m.ValidateAPIKey(plaintext, stored)
	assert.ErrorIs(t, err, ErrAPIKeyExpired)
}

func TestHasPermissionWildcard(t *testing.T) {
	k := &APIKey{Permissions: []string{"*"}}
	assert.True(t, k.HasPermission("anything"))

	k2 := &APIKey{Permissions: []string{"messages:read"}}
	assert.False(t, k2.HasPermission("messages:write"))
}

func TestParseAPIKey(t *testing.T) {
	prefix, secret, err := ParseAPIKey("ccr_abc123")
	require.NoError(t, err)
	assert.Equal(t, "ccr", prefix)
	assert.Equal(t, "abc123", secret)

	_, _, err = ParseAPIKey("noseparator")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}
