package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/config"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCredentialRepositoryRoundTrip(t *testing.T) {
	repo, err := NewCredentialRepository(newMemoryStore(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	ts := time.Date(2025, 8, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, broker.Credentials{AccessToken: "a1", RefreshToken: "r1", UpdatedAt: ts}))
	require.NoError(t, repo.Save(ctx, broker.Credentials{AccessToken: "a2", RefreshToken: "r2", AccountKey: "acc", UpdatedAt: ts}))

	creds, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a2", creds.AccessToken)
	assert.Equal(t, "r2", creds.RefreshToken)
	assert.Equal(t, "acc", creds.AccountKey)
	assert.True(t, ts.Equal(creds.UpdatedAt))

	var rows int
	require.NoError(t, repo.db.QueryRow(`SELECT COUNT(*) FROM saxo_credentials`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestCredentialRepositoryPersistsAcrossReopen(t *testing.T) {
	cfg := config.DatabaseConfig{Path: t.TempDir() + "/db/saxo.db"}
	ctx := context.Background()

	s, err := NewSQLite(cfg)
	require.NoError(t, err)
	repo, err := NewCredentialRepository(s)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, broker.Credentials{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, s.Close())

	s, err = NewSQLite(cfg)
	require.NoError(t, err)
	defer s.Close()
	repo, err = NewCredentialRepository(s)
	require.NoError(t, err)
	creds, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r", creds.RefreshToken)
}

func TestCredentialRepositoryKeepsSeed(t *testing.T) {
	repo, err := NewCredentialRepository(newMemoryStore(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, broker.Credentials{AccessToken: "a", RefreshToken: "r", Seed: "0123abcd"}))
	creds, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0123abcd", creds.Seed)
}

func TestCredentialRepositoryUpgradesLegacyTable(t *testing.T) {
	s := newMemoryStore(t)
	_, err := s.DB().Exec(`
CREATE TABLE saxo_credentials (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	account_key TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
INSERT INTO saxo_credentials (id, access_token, refresh_token, updated_at) VALUES (1, 'old-a', 'old-r', '2025-08-14T09:30:00Z');
`)
	require.NoError(t, err)

	repo, err := NewCredentialRepository(s)
	require.NoError(t, err)
	creds, found, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "old-r", creds.RefreshToken)
	assert.Empty(t, creds.Seed)

	_, err = NewCredentialRepository(s)
	require.NoError(t, err)
}
