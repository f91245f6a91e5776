package wavelength

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverFlushOnPanic(t *testing.T) {
	registry, store := newTestRegistry(t)
	w := &Wavelength{
		config:   DefaultConfig(),
		logger:   testLogger(t),
		registry: registry,
	}

	_, _, err := registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.Equal(t, 0, store.saveCount())

	// the panic continues after the flush
	require.PanicsWithValue(
		t, "boom", func() {
			defer w.recoverFlush()
			panic("boom")
		},
	)

	require.Equal(t, 1, store.saveCount())
	assert.Len(t, store.saved[0].Frequencies, 1)
}

func TestRecoverFlushNoPanic(t *testing.T) {
	registry, store := newTestRegistry(t)
	w := &Wavelength{
		config:   DefaultConfig(),
		logger:   testLogger(t),
		registry: registry,
	}

	func() {
		defer w.recoverFlush()
	}()
	assert.Equal(t, 0, store.saveCount())
}

func TestRecoverFlushNilRegistry(t *testing.T) {
	w := &Wavelength{
		config: DefaultConfig(),
		logger: testLogger(t),
	}

	require.PanicsWithValue(
		t, "early", func() {
			defer w.recoverFlush()
			panic("early")
		},
	)
}
