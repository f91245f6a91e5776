package wavelength

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Correspondence links one delivered copy of a relayed message back to its
// origin, enabling reply threading and reaction mirroring.
type Correspondence struct {
	DeliveredMessageID string
	OriginMessageID    string
	OriginChannelID    string
	CreatedAt          time.Time
}

func (c Correspondence) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("delivered_message_id", c.DeliveredMessageID),
		slog.String("origin_message_id", c.OriginMessageID),
		slog.String("origin_channel_id", c.OriginChannelID),
		slog.Time("created_at", c.CreatedAt),
	)
}

// CorrespondenceTable is a time-bounded map from delivered-message IDs to
// their origin metadata. Entries expire after a fixed TTL; expired entries
// are never returned from Lookup, whether or not the background sweep has
// removed them yet. Total size is bounded: when full, the oldest entry is
// evicted first.
//
// Owned exclusively by the relay dispatcher.
type CorrespondenceTable struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger

	// now is injected for tests
	now func() time.Time
}

func NewCorrespondenceTable(
	ttl time.Duration,
	maxEntries int,
	logger *slog.Logger,
) *CorrespondenceTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorrespondenceTable{
		entries:    map[string]*list.Element{},
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger.With(loggerNameKey, "correspondence_table"),
		now:        time.Now,
	}
}

// Record inserts a correspondence for a delivered message. Overwrites are
// allowed but shouldn't happen under correct dispatch.
func (t *CorrespondenceTable) Record(
	deliveredMessageID string,
	originMessageID string,
	originChannelID string,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, exists := t.entries[deliveredMessageID]; exists {
		t.order.Remove(elem)
		t.logger.Warn(
			"overwriting correspondence entry",
			"delivered_message_id", deliveredMessageID,
		)
	}

	for t.maxEntries > 0 && t.order.Len() >= t.maxEntries {
		oldest := t.order.Front()
		if oldest == nil {
			break
		}
		evicted := t.order.Remove(oldest).(Correspondence)
		delete(t.entries, evicted.DeliveredMessageID)
	}

	entry := Correspondence{
		DeliveredMessageID: deliveredMessageID,
		OriginMessageID:    originMessageID,
		OriginChannelID:    originChannelID,
		CreatedAt:          t.now(),
	}
	t.entries[deliveredMessageID] = t.order.PushBack(entry)
}

// Lookup returns the correspondence for a delivered message ID, or nil if
// absent or past TTL. An expired entry found on read is removed.
func (t *CorrespondenceTable) Lookup(deliveredMessageID string) *Correspondence {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[deliveredMessageID]
	if !ok {
		return nil
	}
	entry := elem.Value.(Correspondence)
	if t.now().Sub(entry.CreatedAt) >= t.ttl {
		t.order.Remove(elem)
		delete(t.entries, deliveredMessageID)
		return nil
	}
	return &entry
}

// Sweep removes all expired entries and returns how many were removed.
// Housekeeping only: Lookup filters by age regardless.
func (t *CorrespondenceTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	cutoff := t.now().Add(-t.ttl)
	for {
		front := t.order.Front()
		if front == nil {
			break
		}
		entry := front.Value.(Correspondence)
		if entry.CreatedAt.After(cutoff) {
			break
		}
		t.order.Remove(front)
		delete(t.entries, entry.DeliveredMessageID)
		removed++
	}
	if removed > 0 {
		t.logger.Debug(
			"swept expired correspondences",
			"removed", removed,
			"remaining", t.order.Len(),
		)
	}
	return removed
}

// Len returns the number of entries currently held, including any that
// have expired but not yet been swept.
func (t *CorrespondenceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
