package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFansOutToEveryCallback(t *testing.T) {
	var mu sync.Mutex
	var primary, secondary []Snapshot

	a := New(func(s Snapshot) {
		mu.Lock()
		primary = append(primary, s)
		mu.Unlock()
	}).WithInterval(0)

	a.Subscribe(func(s Snapshot) {
		mu.Lock()
		secondary = append(secondary, s)
		mu.Unlock()
	})

	a.AddTotal(1, 100)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, primary, 1)
	require.Len(t, secondary, 1)
	assert.Equal(t, int64(1), primary[0].Total.EntryCount)
	assert.Equal(t, int64(1), secondary[0].Total.EntryCount)
}

func TestSubscribeIgnoresNilCallback(t *testing.T) {
	a := New(nil).WithInterval(0)
	a.Subscribe(nil)
	// Must not panic with zero callbacks registered.
	a.AddTotal(1, 1)
	a.Flush()
}

func TestFlushBypassesThrottleInterval(t *testing.T) {
	var calls int
	a := New(func(s Snapshot) { calls++ })

	a.AddTotal(1, 1) // consumes the first immediate callback slot
	a.Flush()
	a.Flush()

	assert.Equal(t, 3, calls)
}
