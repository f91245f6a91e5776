package wavelength

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrespondenceTableRecordAndLookup(t *testing.T) {
	table := NewCorrespondenceTable(time.Hour, 100, testLogger(t))

	table.Record("delivered-1", "origin-1", "channel-1")

	got := table.Lookup("delivered-1")
	require.NotNil(t, got)
	assert.Equal(t, "origin-1", got.OriginMessageID)
	assert.Equal(t, "channel-1", got.OriginChannelID)

	assert.Nil(t, table.Lookup("never-recorded"))
}

func TestCorrespondenceTableTTL(t *testing.T) {
	table := NewCorrespondenceTable(time.Hour, 100, testLogger(t))

	current := time.Now()
	table.now = func() time.Time { return current }

	table.Record("delivered-1", "origin-1", "channel-1")

	// just inside the TTL
	current = current.Add(time.Hour - time.Second)
	assert.NotNil(t, table.Lookup("delivered-1"))

	// at the TTL boundary the entry is expired
	current = current.Add(time.Second)
	assert.Nil(t, table.Lookup("delivered-1"))

	// the expired-on-read entry was removed
	assert.Equal(t, 0, table.Len())
}

func TestCorrespondenceTableEviction(t *testing.T) {
	table := NewCorrespondenceTable(time.Hour, 3, testLogger(t))

	for i := 1; i <= 3; i++ {
		table.Record(
			fmt.Sprintf("delivered-%d", i),
			fmt.Sprintf("origin-%d", i),
			"channel-1",
		)
	}
	assert.Equal(t, 3, table.Len())

	// inserting a fourth evicts the oldest
	table.Record("delivered-4", "origin-4", "channel-1")
	assert.Equal(t, 3, table.Len())
	assert.Nil(t, table.Lookup("delivered-1"))
	assert.NotNil(t, table.Lookup("delivered-2"))
	assert.NotNil(t, table.Lookup("delivered-4"))
}

func TestCorrespondenceTableOverwrite(t *testing.T) {
	table := NewCorrespondenceTable(time.Hour, 10, testLogger(t))

	table.Record("delivered-1", "origin-a", "channel-a")
	table.Record("delivered-1", "origin-b", "channel-b")

	assert.Equal(t, 1, table.Len())
	got := table.Lookup("delivered-1")
	require.NotNil(t, got)
	assert.Equal(t, "origin-b", got.OriginMessageID)
}

func TestCorrespondenceTableSweep(t *testing.T) {
	table := NewCorrespondenceTable(time.Hour, 100, testLogger(t))

	current := time.Now()
	table.now = func() time.Time { return current }

	table.Record("old-1", "origin-1", "channel-1")
	table.Record("old-2", "origin-2", "channel-1")

	current = current.Add(30 * time.Minute)
	table.Record("fresh", "origin-3", "channel-1")

	current = current.Add(31 * time.Minute)
	removed := table.Sweep()

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, table.Len())
	assert.Nil(t, table.Lookup("old-1"))
	assert.NotNil(t, table.Lookup("fresh"))

	// nothing left to sweep
	assert.Equal(t, 0, table.Sweep())
}
