package wavelength

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore is an in-memory RegistryStore that records SaveAll calls.
type stubStore struct {
	mu       sync.Mutex
	snapshot RegistrySnapshot
	saved    []RegistrySnapshot
}

func (s *stubStore) LoadAll(_ context.Context) (RegistrySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

func (s *stubStore) SaveAll(
	_ context.Context,
	snapshot RegistrySnapshot,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snapshot)
	return nil
}

func (s *stubStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func newTestRegistry(t testing.TB) (*FrequencyRegistry, *stubStore) {
	t.Helper()
	store := &stubStore{}
	return NewFrequencyRegistry(store, testLogger(t), 50*time.Millisecond), store
}

func TestRegistryCreate(t *testing.T) {
	registry, _ := newTestRegistry(t)

	key, secret, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	assert.Len(t, key, frequencyKeyLength)
	assert.Empty(t, secret)

	resolved, ok := registry.Resolve("channel-a")
	assert.True(t, ok)
	assert.Equal(t, key, resolved)

	members := registry.Members(key)
	require.Len(t, members, 1)
	assert.Equal(t, "channel-a", members[0].ChannelID)
	assert.Equal(t, "guild-a", members[0].GuildID)
}

func TestRegistryCreateOnePerGuild(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)

	_, _, err = registry.Create("channel-b", "guild-a", false)
	assert.ErrorIs(t, err, ErrGuildHasFrequency)

	// a different guild is fine
	_, _, err = registry.Create("channel-c", "guild-b", false)
	assert.NoError(t, err)
}

func TestRegistryCreatePrivate(t *testing.T) {
	registry, _ := newTestRegistry(t)

	key, secret, err := registry.Create("channel-a", "guild-a", true)
	require.NoError(t, err)
	require.Len(t, secret, frequencySecretLength)

	info, ok := registry.Info(key)
	require.True(t, ok)
	assert.True(t, info.Private)
}

func TestRegistryLink(t *testing.T) {
	registry, _ := newTestRegistry(t)

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)

	t.Run(
		"invalid key", func(t *testing.T) {
			linkErr := registry.Link(
				"no-such-key", "channel-b", "guild-b", "user-1", "",
			)
			assert.ErrorIs(t, linkErr, ErrInvalidFrequency)
		},
	)

	t.Run(
		"success", func(t *testing.T) {
			require.NoError(
				t,
				registry.Link(key, "channel-b", "guild-b", "user-1", ""),
			)
			assert.Len(t, registry.Members(key), 2)
		},
	)

	t.Run(
		"already linked", func(t *testing.T) {
			linkErr := registry.Link(
				key, "channel-b", "guild-b", "user-1", "",
			)
			assert.ErrorIs(t, linkErr, ErrAlreadyLinked)
		},
	)
}

func TestRegistryLinkPrivate(t *testing.T) {
	registry, _ := newTestRegistry(t)

	key, secret, err := registry.Create("channel-a", "guild-a", true)
	require.NoError(t, err)

	assert.ErrorIs(
		t,
		registry.Link(key, "channel-b", "guild-b", "user-1", ""),
		ErrAuthRequired,
	)
	assert.ErrorIs(
		t,
		registry.Link(key, "channel-b", "guild-b", "user-1", "wrong"),
		ErrAuthRequired,
	)
	assert.NoError(
		t,
		registry.Link(key, "channel-b", "guild-b", "user-1", secret),
	)
}

func TestRegistryLinkBanned(t *testing.T) {
	registry, _ := newTestRegistry(t)

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)

	_, err = registry.Ban(key, "user-banned")
	require.NoError(t, err)
	_, err = registry.Ban(key, "guild-banned")
	require.NoError(t, err)

	assert.ErrorIs(
		t,
		registry.Link(key, "channel-b", "guild-b", "user-banned", ""),
		ErrForbidden,
	)
	assert.ErrorIs(
		t,
		registry.Link(key, "channel-c", "guild-banned", "user-ok", ""),
		ErrForbidden,
	)
	assert.NoError(
		t,
		registry.Link(key, "channel-d", "guild-d", "user-ok", ""),
	)
}

func TestRegistryUnlink(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, _, _, err := registry.Unlink("channel-x")
	assert.ErrorIs(t, err, ErrNotLinked)

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u", ""))

	gotKey, remaining, deleted, err := registry.Unlink("channel-b")
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.False(t, deleted)
	require.Len(t, remaining, 1)
	assert.Equal(t, "channel-a", remaining[0].ChannelID)

	// last member out closes the frequency
	_, _, deleted, err = registry.Unlink("channel-a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, registry.Count())

	_, ok := registry.Resolve("channel-a")
	assert.False(t, ok)
}

func TestRegistryBan(t *testing.T) {
	registry, _ := newTestRegistry(t)

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u1", ""))
	require.NoError(t, registry.Link(key, "channel-c", "guild-b", "u2", ""))

	// banning a guild force-unlinks all of its channels
	unlinked, err := registry.Ban(key, "guild-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"channel-b", "channel-c"}, unlinked)
	assert.Len(t, registry.Members(key), 1)
	assert.True(t, registry.IsBanned(key, "guild-b"))
	assert.True(t, registry.IsBanned(key, "unrelated", "guild-b"))
	assert.False(t, registry.IsBanned(key, "guild-c"))

	// banning a plain user ID unlinks nothing
	unlinked, err = registry.Ban(key, "user-9")
	require.NoError(t, err)
	assert.Empty(t, unlinked)
	assert.True(t, registry.IsBanned(key, "user-9"))

	require.NoError(t, registry.Unban(key, "user-9"))
	assert.False(t, registry.IsBanned(key, "user-9"))

	_, err = registry.Ban("no-such-key", "x")
	assert.ErrorIs(t, err, ErrInvalidFrequency)
}

func TestRegistryOwnedBy(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, ok := registry.OwnedBy("guild-a")
	assert.False(t, ok)

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)

	owned, ok := registry.OwnedBy("guild-a")
	require.True(t, ok)
	assert.Equal(t, key, owned.Key)

	// linking doesn't transfer ownership
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u", ""))
	_, ok = registry.OwnedBy("guild-b")
	assert.False(t, ok)
}

func TestRegistryListOrdering(t *testing.T) {
	registry, _ := newTestRegistry(t)

	smallKey, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)

	bigKey, _, err := registry.Create("channel-b", "guild-b", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(bigKey, "channel-c", "guild-c", "u", ""))
	require.NoError(t, registry.Link(bigKey, "channel-d", "guild-d", "u", ""))

	summaries := registry.List()
	require.Len(t, summaries, 2)
	assert.Equal(t, bigKey, summaries[0].Key)
	assert.Equal(t, 3, summaries[0].MemberCount)
	assert.Equal(t, smallKey, summaries[1].Key)
	assert.Equal(t, 1, summaries[1].MemberCount)
}

func TestRegistryRemoveGuild(t *testing.T) {
	registry, _ := newTestRegistry(t)

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u", ""))

	affected := registry.RemoveGuild("guild-b")
	assert.Equal(t, []string{key}, affected)
	assert.Len(t, registry.Members(key), 1)

	// removing the last guild deletes the frequency
	affected = registry.RemoveGuild("guild-a")
	assert.Equal(t, []string{key}, affected)
	assert.Equal(t, 0, registry.Count())

	assert.Empty(t, registry.RemoveGuild("guild-unknown"))
}

func TestRegistryPersistDebounce(t *testing.T) {
	registry, store := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.runPersister(ctx)
	}()

	// several mutations inside one debounce window
	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u", ""))
	require.NoError(t, registry.Link(key, "channel-c", "guild-c", "u", ""))

	require.Eventually(
		t,
		func() bool { return store.saveCount() >= 1 },
		time.Second,
		10*time.Millisecond,
	)
	// the window coalesced all three mutations into one write
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, store.saveCount())

	saved := store.saved[0]
	assert.Len(t, saved.Frequencies, 1)
	assert.Len(t, saved.Links, 3)

	cancel()
	<-done
}

func TestRegistryLoad(t *testing.T) {
	store := &stubStore{
		snapshot: RegistrySnapshot{
			Frequencies: []Frequency{
				{Key: "freq1234", OwnerChannelID: "channel-a", OwnerGuildID: "guild-a"},
			},
			Links: []ChannelLink{
				{ChannelID: "channel-a", FrequencyKey: "freq1234", GuildID: "guild-a"},
				{ChannelID: "channel-b", FrequencyKey: "freq1234", GuildID: "guild-b"},
				{ChannelID: "channel-x", FrequencyKey: "gone", GuildID: "guild-x"},
			},
			Bans: []FrequencyBan{
				{FrequencyKey: "freq1234", BannedID: "user-bad"},
			},
		},
	}
	registry := NewFrequencyRegistry(store, testLogger(t), time.Second)

	require.NoError(t, registry.Load(context.Background()))

	assert.Equal(t, 1, registry.Count())
	assert.Len(t, registry.Members("freq1234"), 2)
	assert.True(t, registry.IsBanned("freq1234", "user-bad"))

	// the orphaned link was dropped
	_, ok := registry.Resolve("channel-x")
	assert.False(t, ok)
}

func TestRegistryFlushSnapshotDeterministic(t *testing.T) {
	registry, store := newTestRegistry(t)

	key, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, registry.Link(key, "channel-c", "guild-c", "u", ""))
	require.NoError(t, registry.Link(key, "channel-b", "guild-b", "u", ""))
	_, err = registry.Ban(key, "user-z")
	require.NoError(t, err)
	_, err = registry.Ban(key, "user-a")
	require.NoError(t, err)

	require.NoError(t, registry.Flush(context.Background()))
	require.NoError(t, registry.Flush(context.Background()))

	require.Equal(t, 2, store.saveCount())
	assert.Equal(t, store.saved[0], store.saved[1])
	assert.Equal(t, "user-a", store.saved[0].Bans[0].BannedID)
}
