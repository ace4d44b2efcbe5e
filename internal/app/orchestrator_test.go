package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/config"
	"saxo-trader/internal/store"
)

func newMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenSessionPrefersStoredCredentials(t *testing.T) {
	st := newMemoryStore(t)
	ctx := context.Background()
	cfg := config.SaxoConfig{AccessToken: "a1", RefreshToken: "r1"}

	session, err := OpenSession(ctx, cfg, st, nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", session.AccessToken())

	repo, err := store.NewCredentialRepository(st)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, broker.Credentials{
		AccessToken:  "a2",
		RefreshToken: "r2",
		AccountKey:   "acc-1",
		Seed:         broker.SeedOf("a1", "r1"),
	}))

	session, err = OpenSession(ctx, cfg, st, nil)
	require.NoError(t, err)
	assert.Equal(t, "a2", session.AccessToken())
	assert.Equal(t, "r2", session.Credentials().RefreshToken)
	assert.Equal(t, "acc-1", session.Credentials().AccountKey)
}

func TestOpenSessionAdoptsReissuedConfigTokens(t *testing.T) {
	st := newMemoryStore(t)
	ctx := context.Background()
	repo, err := store.NewCredentialRepository(st)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, broker.Credentials{
		AccessToken:  "dead-access",
		RefreshToken: "dead-refresh",
		AccountKey:   "acc-1",
		Seed:         broker.SeedOf("a1", "r1"),
	}))

	cfg := config.SaxoConfig{AccessToken: "a9", RefreshToken: "r9"}
	session, err := OpenSession(ctx, cfg, st, nil)
	require.NoError(t, err)
	assert.Equal(t, "a9", session.AccessToken())
	assert.Equal(t, "r9", session.Credentials().RefreshToken)
	assert.Equal(t, "acc-1", session.Credentials().AccountKey)

	stored, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r9", stored.RefreshToken)
	assert.Equal(t, broker.SeedOf("a9", "r9"), stored.Seed)

	// 之后的刷新结果仍优先于同一份配置
	require.NoError(t, repo.Save(ctx, broker.Credentials{AccessToken: "a10", RefreshToken: "r10", Seed: stored.Seed}))
	session, err = OpenSession(ctx, cfg, st, nil)
	require.NoError(t, err)
	assert.Equal(t, "a10", session.AccessToken())
}

func TestOpenSessionKeepsLegacyStoredCredentials(t *testing.T) {
	st := newMemoryStore(t)
	ctx := context.Background()
	repo, err := store.NewCredentialRepository(st)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, broker.Credentials{AccessToken: "rotated", RefreshToken: "rotated-r"}))

	session, err := OpenSession(ctx, config.SaxoConfig{AccessToken: "a1", RefreshToken: "r1"}, st, nil)
	require.NoError(t, err)
	assert.Equal(t, "rotated", session.AccessToken())
	assert.Equal(t, broker.SeedOf("a1", "r1"), session.Credentials().Seed)
}
