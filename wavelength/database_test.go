package wavelength

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a throwaway SQLite database, migrates the registry
// tables and wraps it in a gormRegistryStore.
func newTestStore(t testing.TB) *gormRegistryStore {
	t.Helper()

	logger := testLogger(t)
	gormLogger := newGORMLogger(logger.Handler(), 0)
	db, err := getDB(
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "wavelength.sqlite3"),
		gormLogger,
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, applySQLitePragmas(ctx, db))
	require.NoError(
		t,
		db.WithContext(ctx).AutoMigrate(
			&Frequency{},
			&ChannelLink{},
			&FrequencyBan{},
		),
	)
	t.Cleanup(
		func() {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return newGORMRegistryStore(NewDatabase(db, logger, false), logger)
}

func TestGORMRegistryStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// a fresh database loads empty
	snapshot, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Frequencies)
	assert.Empty(t, snapshot.Links)
	assert.Empty(t, snapshot.Bans)

	registry := NewFrequencyRegistry(store, testLogger(t), time.Second)
	require.NoError(t, registry.Load(ctx))

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u", ""))
	_, err = registry.Ban(key, "user-bad")
	require.NoError(t, err)
	require.NoError(t, registry.Flush(ctx))

	// a second registry rebuilds the same state from the database
	reloaded := NewFrequencyRegistry(store, testLogger(t), time.Second)
	require.NoError(t, reloaded.Load(ctx))

	resolved, ok := reloaded.Resolve("channel-b")
	require.True(t, ok)
	assert.Equal(t, key, resolved)
	assert.Len(t, reloaded.Members(key), 2)
	assert.True(t, reloaded.IsBanned(key, "user-bad"))

	info, ok := reloaded.Info(key)
	require.True(t, ok)
	assert.Equal(t, "channel-a", info.OwnerChannelID)
	assert.Equal(t, "guild-a", info.OwnerGuildID)
}

func TestGORMRegistryStoreSaveAllReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registry := NewFrequencyRegistry(store, testLogger(t), time.Second)
	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u", ""))
	_, err = registry.Ban(key, "user-bad")
	require.NoError(t, err)
	require.NoError(t, registry.Flush(ctx))

	// drop the link and the ban, flush again; the old rows must not
	// survive the rewrite
	_, _, _, err = registry.Unlink("channel-b")
	require.NoError(t, err)
	require.NoError(t, registry.Unban(key, "user-bad"))
	require.NoError(t, registry.Flush(ctx))

	snapshot, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Frequencies, 1)
	require.Len(t, snapshot.Links, 1)
	assert.Equal(t, "channel-a", snapshot.Links[0].ChannelID)
	assert.Empty(t, snapshot.Bans)
}

func TestGORMRegistryStoreRoundTripPrivate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registry := NewFrequencyRegistry(store, testLogger(t), time.Second)
	key, secret, err := registry.Create("channel-a", "guild-a", true)
	require.NoError(t, err)
	require.NoError(t, registry.Flush(ctx))

	// the secret hash survives the round trip, so linking still works
	reloaded := NewFrequencyRegistry(store, testLogger(t), time.Second)
	require.NoError(t, reloaded.Load(ctx))

	assert.ErrorIs(
		t,
		reloaded.Link(key, "channel-b", "guild-b", "u", "wrong"),
		ErrAuthRequired,
	)
	assert.NoError(
		t,
		reloaded.Link(key, "channel-b", "guild-b", "u", secret),
	)
}
