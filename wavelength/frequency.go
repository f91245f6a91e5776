package wavelength

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// ErrInvalidFrequency is returned when a referenced frequency key
	// doesn't exist.
	ErrInvalidFrequency = errors.New("invalid frequency")

	// ErrForbidden is returned when the acting identity is banned from
	// the frequency.
	ErrForbidden = errors.New("forbidden")

	// ErrAuthRequired is returned when a private frequency's secret is
	// missing or wrong.
	ErrAuthRequired = errors.New("secret required")

	// ErrAlreadyLinked is returned when the channel is already a member
	// of the frequency.
	ErrAlreadyLinked = errors.New("channel already linked")

	// ErrNotLinked is returned when the channel isn't a member of any
	// frequency.
	ErrNotLinked = errors.New("channel not linked")

	// ErrGuildHasFrequency is returned when a guild that already generated
	// a frequency tries to generate another.
	ErrGuildHasFrequency = errors.New("guild already has a frequency")
)

// maxKeyAttempts bounds the collision-retry loop when generating a new
// frequency key. With an 8-char base36 key this should never trip.
const maxKeyAttempts = 5

// Frequency identifies a relay broadcast set: a named group of channels
// across guilds that share relayed messages.
type Frequency struct {
	// Key is the opaque token users exchange to link channels
	Key string `gorm:"primaryKey" json:"key"`

	// Private frequencies require a secret to link
	Private bool `json:"private"`

	// Argon2id hash of the access secret; empty for public frequencies
	SecretHash string `json:"-" log:"[redacted]"`

	// Channel that generated the frequency
	OwnerChannelID string `json:"owner_channel_id"`

	// Guild that generated the frequency
	OwnerGuildID string `gorm:"index" json:"owner_guild_id"`

	ModelUnixTime
}

func (f Frequency) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key", f.Key),
		slog.Bool("private", f.Private),
		slog.String("owner_channel_id", f.OwnerChannelID),
		slog.String("owner_guild_id", f.OwnerGuildID),
	)
}

// ChannelLink is the membership relation between a channel and the
// frequency it belongs to. A channel belongs to at most one frequency.
type ChannelLink struct {
	ChannelID    string `gorm:"primaryKey" json:"channel_id"`
	FrequencyKey string `gorm:"index" json:"frequency_key"`
	GuildID      string `gorm:"index" json:"guild_id"`

	// JoinedAt is the link creation time, in Unix milliseconds
	JoinedAt int64 `json:"joined_at"`

	ModelUnixTime
}

// FrequencyBan records an identity banned from a frequency. The banned ID
// is opaque: it's matched against both author user IDs and origin guild
// IDs at relay time.
type FrequencyBan struct {
	ModelUintID
	FrequencyKey string `gorm:"uniqueIndex:idx_frequency_ban" json:"frequency_key"`
	BannedID     string `gorm:"uniqueIndex:idx_frequency_ban" json:"banned_id"`
	ModelUnixTime
}

// FrequencySummary is the read-only view used for /frequency list and the
// status API.
type FrequencySummary struct {
	Key            string `json:"key"`
	MemberCount    int    `json:"member_count"`
	OwnerChannelID string `json:"owner_channel_id"`
	OwnerGuildID   string `json:"owner_guild_id"`
	Private        bool   `json:"private"`
}

// RegistrySnapshot is the full durable state of the registry, written and
// read as a unit.
type RegistrySnapshot struct {
	Frequencies []Frequency
	Links       []ChannelLink
	Bans        []FrequencyBan
}

// RegistryStore persists registry state. The in-memory registry is the
// authority between persists; the store is only read once, at startup.
type RegistryStore interface {
	LoadAll(ctx context.Context) (RegistrySnapshot, error)
	SaveAll(ctx context.Context, snapshot RegistrySnapshot) error
}

// gormRegistryStore persists the registry through GORM. SaveAll rewrites
// all three tables in one transaction, matching the snapshot semantics of
// the in-memory registry.
type gormRegistryStore struct {
	writeDB DBI
	logger  *slog.Logger
}

func newGORMRegistryStore(writeDB DBI, logger *slog.Logger) *gormRegistryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormRegistryStore{
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "registry_store"),
	}
}

func (s *gormRegistryStore) LoadAll(ctx context.Context) (
	RegistrySnapshot,
	error,
) {
	var snapshot RegistrySnapshot
	db := s.writeDB.DB().WithContext(ctx)

	if err := db.Find(&snapshot.Frequencies).Error; err != nil {
		return snapshot, fmt.Errorf("error loading frequencies: %w", err)
	}
	if err := db.Find(&snapshot.Links).Error; err != nil {
		return snapshot, fmt.Errorf("error loading channel links: %w", err)
	}
	if err := db.Find(&snapshot.Bans).Error; err != nil {
		return snapshot, fmt.Errorf("error loading bans: %w", err)
	}
	return snapshot, nil
}

func (s *gormRegistryStore) SaveAll(
	ctx context.Context,
	snapshot RegistrySnapshot,
) error {
	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Unscoped().Where("1 = 1").Delete(&Frequency{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("1 = 1").Delete(&ChannelLink{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("1 = 1").Delete(&FrequencyBan{}).Error; err != nil {
				return err
			}
			if len(snapshot.Frequencies) > 0 {
				if err := tx.Create(&snapshot.Frequencies).Error; err != nil {
					return err
				}
			}
			if len(snapshot.Links) > 0 {
				if err := tx.Create(&snapshot.Links).Error; err != nil {
					return err
				}
			}
			if len(snapshot.Bans) > 0 {
				if err := tx.Create(&snapshot.Bans).Error; err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("error saving registry: %w", err)
	}
	s.logger.Debug(
		"saved registry",
		"frequencies", len(snapshot.Frequencies),
		"links", len(snapshot.Links),
		"bans", len(snapshot.Bans),
	)
	return nil
}

// frequencyState is the in-memory record for one frequency.
type frequencyState struct {
	meta    Frequency
	members map[string]ChannelLink
	banned  map[string]struct{}
}

// FrequencyRegistry maps channels to the frequency they belong to, and
// owns all link/unlink/ban state. The in-memory maps are the authority;
// mutations are flushed to the store on a debounce window, plus a final
// synchronous flush at shutdown.
//
// Every inbound message resolves its channel here, so the byChannel index
// keeps that lookup O(1).
type FrequencyRegistry struct {
	mu          sync.RWMutex
	frequencies map[string]*frequencyState
	byChannel   map[string]string

	store    RegistryStore
	logger   *slog.Logger
	debounce time.Duration
	saveCh   chan struct{}

	// now is injected for tests
	now func() time.Time
}

func NewFrequencyRegistry(
	store RegistryStore,
	logger *slog.Logger,
	debounce time.Duration,
) *FrequencyRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrequencyRegistry{
		frequencies: map[string]*frequencyState{},
		byChannel:   map[string]string{},
		store:       store,
		logger:      logger.With(loggerNameKey, "frequency_registry"),
		debounce:    debounce,
		saveCh:      make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Load rebuilds the in-memory registry from the store. Links referencing
// an unknown frequency are dropped with a warning rather than failing the
// whole load.
func (r *FrequencyRegistry) Load(ctx context.Context) error {
	snapshot, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.frequencies = map[string]*frequencyState{}
	r.byChannel = map[string]string{}

	for _, f := range snapshot.Frequencies {
		r.frequencies[f.Key] = &frequencyState{
			meta:    f,
			members: map[string]ChannelLink{},
			banned:  map[string]struct{}{},
		}
	}
	for _, link := range snapshot.Links {
		state, ok := r.frequencies[link.FrequencyKey]
		if !ok {
			r.logger.Warn(
				"dropping orphaned channel link",
				"channel_id", link.ChannelID,
				"frequency_key", link.FrequencyKey,
			)
			continue
		}
		state.members[link.ChannelID] = link
		r.byChannel[link.ChannelID] = link.FrequencyKey
	}
	for _, ban := range snapshot.Bans {
		if state, ok := r.frequencies[ban.FrequencyKey]; ok {
			state.banned[ban.BannedID] = struct{}{}
		}
	}

	r.logger.Info(
		"loaded registry",
		"frequencies", len(r.frequencies),
		"channels", len(r.byChannel),
	)
	return nil
}

// snapshot returns a deterministic copy of the current state.
func (r *FrequencyRegistry) snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var snapshot RegistrySnapshot
	keys := make([]string, 0, len(r.frequencies))
	for key := range r.frequencies {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		state := r.frequencies[key]
		snapshot.Frequencies = append(snapshot.Frequencies, state.meta)

		channelIDs := make([]string, 0, len(state.members))
		for id := range state.members {
			channelIDs = append(channelIDs, id)
		}
		sort.Strings(channelIDs)
		for _, id := range channelIDs {
			snapshot.Links = append(snapshot.Links, state.members[id])
		}

		bannedIDs := make([]string, 0, len(state.banned))
		for id := range state.banned {
			bannedIDs = append(bannedIDs, id)
		}
		sort.Strings(bannedIDs)
		for _, id := range bannedIDs {
			snapshot.Bans = append(
				snapshot.Bans,
				FrequencyBan{FrequencyKey: key, BannedID: id},
			)
		}
	}
	return snapshot
}

// Flush synchronously writes the current state to the store.
func (r *FrequencyRegistry) Flush(ctx context.Context) error {
	return r.store.SaveAll(ctx, r.snapshot())
}

// saveSoon schedules a debounced flush. Multiple calls within the debounce
// window coalesce into a single write.
func (r *FrequencyRegistry) saveSoon() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

// runPersister coalesces save signals into periodic flushes. It returns
// when ctx is cancelled; the caller is responsible for the final flush.
func (r *FrequencyRegistry) runPersister(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.saveCh:
		}

		timer := time.NewTimer(r.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// drain any signals that arrived during the window
		select {
		case <-r.saveCh:
		default:
		}

		if err := r.Flush(ctx); err != nil {
			r.logger.Error("error persisting registry", tint.Err(err))
		}
	}
}

// Create generates a new frequency owned by the given channel. At most one
// frequency can be generated per guild. For private frequencies, the
// returned secret is shown once and only its hash is retained.
func (r *FrequencyRegistry) Create(
	ownerChannelID string,
	ownerGuildID string,
	private bool,
) (key string, secret string, err error) {
	var secretHash string
	if private {
		secret, err = randomToken(frequencySecretLength)
		if err != nil {
			return "", "", err
		}
		secretHash, err = hashSecret(secret)
		if err != nil {
			return "", "", err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, state := range r.frequencies {
		if state.meta.OwnerGuildID == ownerGuildID {
			return "", "", ErrGuildHasFrequency
		}
	}

	for attempt := 0; ; attempt++ {
		key, err = randomToken(frequencyKeyLength)
		if err != nil {
			return "", "", err
		}
		if _, exists := r.frequencies[key]; !exists {
			break
		}
		if attempt >= maxKeyAttempts {
			return "", "", errors.New("could not generate a unique frequency key")
		}
	}

	link := ChannelLink{
		ChannelID:    ownerChannelID,
		FrequencyKey: key,
		GuildID:      ownerGuildID,
		JoinedAt:     r.now().UTC().UnixMilli(),
	}
	r.frequencies[key] = &frequencyState{
		meta: Frequency{
			Key:            key,
			Private:        private,
			SecretHash:     secretHash,
			OwnerChannelID: ownerChannelID,
			OwnerGuildID:   ownerGuildID,
		},
		members: map[string]ChannelLink{ownerChannelID: link},
		banned:  map[string]struct{}{},
	}
	r.byChannel[ownerChannelID] = key

	r.logger.Info(
		"created frequency",
		"frequency", r.frequencies[key].meta,
	)
	r.saveSoon()
	return key, secret, nil
}

// Link adds a channel to a frequency. The secret check (argon2) runs
// outside the registry lock; membership is re-validated before the write
// in case a concurrent event changed it.
func (r *FrequencyRegistry) Link(
	key string,
	channelID string,
	guildID string,
	userID string,
	secret string,
) error {
	r.mu.RLock()
	state, ok := r.frequencies[key]
	if !ok {
		r.mu.RUnlock()
		return ErrInvalidFrequency
	}
	if bannedAny(state, guildID, userID) {
		r.mu.RUnlock()
		return ErrForbidden
	}
	if _, member := state.members[channelID]; member {
		r.mu.RUnlock()
		return ErrAlreadyLinked
	}
	private := state.meta.Private
	secretHash := state.meta.SecretHash
	r.mu.RUnlock()

	if private {
		if secret == "" {
			return ErrAuthRequired
		}
		ok, err := verifySecret(secretHash, secret)
		if err != nil || !ok {
			return ErrAuthRequired
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok = r.frequencies[key]
	if !ok {
		return ErrInvalidFrequency
	}
	if bannedAny(state, guildID, userID) {
		return ErrForbidden
	}
	if _, member := state.members[channelID]; member {
		return ErrAlreadyLinked
	}
	if existing, linked := r.byChannel[channelID]; linked {
		r.logger.Warn(
			"channel already linked to another frequency",
			"channel_id", channelID,
			"frequency_key", existing,
		)
		return ErrAlreadyLinked
	}

	state.members[channelID] = ChannelLink{
		ChannelID:    channelID,
		FrequencyKey: key,
		GuildID:      guildID,
		JoinedAt:     r.now().UTC().UnixMilli(),
	}
	r.byChannel[channelID] = key

	r.logger.Info(
		"linked channel",
		"channel_id", channelID,
		"guild_id", guildID,
		"frequency_key", key,
	)
	r.saveSoon()
	return nil
}

// Unlink removes a channel from its frequency. Removing the last member
// deletes the frequency. The remaining members are returned so the caller
// can broadcast a leave notification.
func (r *FrequencyRegistry) Unlink(channelID string) (
	key string,
	remaining []ChannelLink,
	deleted bool,
	err error,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byChannel[channelID]
	if !ok {
		return "", nil, false, ErrNotLinked
	}
	state := r.frequencies[key]

	delete(state.members, channelID)
	delete(r.byChannel, channelID)

	if len(state.members) == 0 {
		delete(r.frequencies, key)
		deleted = true
		r.logger.Info("deleted empty frequency", "frequency_key", key)
	} else {
		remaining = sortedLinks(state.members)
	}

	r.logger.Info(
		"unlinked channel",
		"channel_id", channelID,
		"frequency_key", key,
		"frequency_deleted", deleted,
	)
	r.saveSoon()
	return key, remaining, deleted, nil
}

// Ban adds an identity to the frequency's banned set. If the identity maps
// to member channels (a guild ID, or a channel ID itself), those members
// are force-unlinked; their channel IDs are returned.
func (r *FrequencyRegistry) Ban(key string, bannedID string) (
	unlinked []string,
	err error,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.frequencies[key]
	if !ok {
		return nil, ErrInvalidFrequency
	}
	state.banned[bannedID] = struct{}{}

	for channelID, link := range state.members {
		if channelID == bannedID || link.GuildID == bannedID {
			delete(state.members, channelID)
			delete(r.byChannel, channelID)
			unlinked = append(unlinked, channelID)
		}
	}
	sort.Strings(unlinked)

	if len(state.members) == 0 {
		delete(r.frequencies, key)
		r.logger.Info("deleted empty frequency", "frequency_key", key)
	}

	r.logger.Info(
		"banned identity",
		"frequency_key", key,
		"banned_id", bannedID,
		"unlinked_channels", len(unlinked),
	)
	r.saveSoon()
	return unlinked, nil
}

// Unban removes an identity from the frequency's banned set.
func (r *FrequencyRegistry) Unban(key string, bannedID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.frequencies[key]
	if !ok {
		return ErrInvalidFrequency
	}
	delete(state.banned, bannedID)
	r.saveSoon()
	return nil
}

// Resolve returns the frequency key the channel belongs to, if any. This
// is on the hot path for every inbound message.
func (r *FrequencyRegistry) Resolve(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byChannel[channelID]
	return key, ok
}

// IsBanned reports whether any of the given identities is banned from the
// frequency.
func (r *FrequencyRegistry) IsBanned(key string, ids ...string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.frequencies[key]
	if !ok {
		return false
	}
	for _, id := range ids {
		if _, banned := state.banned[id]; banned {
			return true
		}
	}
	return false
}

// Members returns the frequency's member links, oldest first.
func (r *FrequencyRegistry) Members(key string) []ChannelLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.frequencies[key]
	if !ok {
		return nil
	}
	return sortedLinks(state.members)
}

// Info returns the summary for a single frequency.
func (r *FrequencyRegistry) Info(key string) (FrequencySummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.frequencies[key]
	if !ok {
		return FrequencySummary{}, false
	}
	return summarize(state), true
}

// OwnedBy returns the frequency generated by the given guild, if any.
func (r *FrequencyRegistry) OwnedBy(guildID string) (FrequencySummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, state := range r.frequencies {
		if state.meta.OwnerGuildID == guildID {
			return summarize(state), true
		}
	}
	return FrequencySummary{}, false
}

// List enumerates all frequencies, sorted by member count descending,
// then key ascending.
func (r *FrequencyRegistry) List() []FrequencySummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]FrequencySummary, 0, len(r.frequencies))
	for _, state := range r.frequencies {
		summaries = append(summaries, summarize(state))
	}
	sort.Slice(
		summaries, func(i, j int) bool {
			if summaries[i].MemberCount != summaries[j].MemberCount {
				return summaries[i].MemberCount > summaries[j].MemberCount
			}
			return summaries[i].Key < summaries[j].Key
		},
	)
	return summaries
}

// Count returns the number of frequencies.
func (r *FrequencyRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frequencies)
}

// LinkedChannelCount returns the number of channels linked to any
// frequency.
func (r *FrequencyRegistry) LinkedChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// RemoveGuild unlinks every channel belonging to the given guild, deleting
// any frequencies left empty. Used when the bot leaves a guild.
func (r *FrequencyRegistry) RemoveGuild(guildID string) (affected []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, state := range r.frequencies {
		removed := false
		for channelID, link := range state.members {
			if link.GuildID == guildID {
				delete(state.members, channelID)
				delete(r.byChannel, channelID)
				removed = true
			}
		}
		if removed {
			affected = append(affected, key)
			if len(state.members) == 0 {
				delete(r.frequencies, key)
				r.logger.Info("deleted empty frequency", "frequency_key", key)
			}
		}
	}
	sort.Strings(affected)

	if len(affected) > 0 {
		r.logger.Info(
			"removed guild from registry",
			"guild_id", guildID,
			"affected_frequencies", len(affected),
		)
		r.saveSoon()
	}
	return affected
}

func summarize(state *frequencyState) FrequencySummary {
	return FrequencySummary{
		Key:            state.meta.Key,
		MemberCount:    len(state.members),
		OwnerChannelID: state.meta.OwnerChannelID,
		OwnerGuildID:   state.meta.OwnerGuildID,
		Private:        state.meta.Private,
	}
}

func bannedAny(state *frequencyState, ids ...string) bool {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, banned := state.banned[id]; banned {
			return true
		}
	}
	return false
}

func sortedLinks(members map[string]ChannelLink) []ChannelLink {
	links := make([]ChannelLink, 0, len(members))
	for _, link := range members {
		links = append(links, link)
	}
	sort.Slice(
		links, func(i, j int) bool {
			if links[i].JoinedAt != links[j].JoinedAt {
				return links[i].JoinedAt < links[j].JoinedAt
			}
			return links[i].ChannelID < links[j].ChannelID
		},
	)
	return links
}
