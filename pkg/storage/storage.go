// Package storage persists the durable account list to disk: credentials,
// subscription, and enable/invalid flags. Transient rate-limit state never
// reaches this layer; it lives only in internal/pool's in-memory accounts.
//
// Grounded on the teacher's pkg/cache file-backed patterns and §6's explicit
// "atomic write: temp-file + rename" contract, replacing the teacher's
// GORM/SQL persistence stack entirely.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ccrelay/gateway/pkg/models"
)

// Record is the on-disk shape of one account: only the fields that survive
// a restart. Quota and ModelRateLimits are deliberately omitted.
type Record struct {
	ID            string               `json:"id"`
	Email         string                `json:"email"`
	Source        string                `json:"source"`
	Enabled       bool                  `json:"enabled"`
	IsInvalid     bool                  `json:"is_invalid"`
	InvalidReason string                `json:"invalid_reason,omitempty"`
	Subscription  models.Subscription   `json:"subscription"`
	Credentials   string                `json:"credentials"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Store reads and writes the account list as a single JSON document.
type Store struct {
	path string
}

// New builds a Store backed by path. The parent directory is created if
// missing.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Load reads the account list from disk. A missing file is not an error:
// it returns an empty slice, matching a fresh install.
func (s *Store) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read %s: %w", s.path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("storage: unmarshal %s: %w", s.path, err)
	}
	return records, nil
}

// Save writes the account list atomically: marshal to a temp file in the
// same directory, then rename over the destination. A rename within one
// filesystem is atomic, so a crash mid-write never leaves a half-written
// account list.
func (s *Store) Save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: rename temp file: %w", err)
	}

	return nil
}

// ToAccount converts a persisted Record into a live models.Account. Quota
// and ModelRateLimits start empty; the refresher and pool populate them.
func (r Record) ToAccount() (*models.Account, error) {
	id, err := models.ParseAccountID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("storage: parse account id %q: %w", r.ID, err)
	}

	a := &models.Account{
		ID:            id,
		Email:         r.Email,
		Source:        r.Source,
		Enabled:       r.Enabled,
		IsInvalid:     r.IsInvalid,
		InvalidReason: r.InvalidReason,
		Subscription:  r.Subscription,
		Credentials:   r.Credentials,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	a.Quota.Models = make(map[string]models.ModelQuota)
	a.ModelRateLimits = make(map[string]models.RateLimitState)
	return a, nil
}

// FromAccount converts a live account into its persisted Record.
func FromAccount(a *models.Account) Record {
	return Record{
		ID:            a.ID.String(),
		Email:         a.Email,
		Source:        a.Source,
		Enabled:       a.Enabled,
		IsInvalid:     a.IsInvalid,
		InvalidReason: a.InvalidReason,
		Subscription:  a.Subscription,
		Credentials:   a.Credentials,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}
