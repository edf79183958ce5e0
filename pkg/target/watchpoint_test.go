package target_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/teleproc/pkg/target"
	"github.com/hitzhangjie/teleproc/pkg/target/simproc"
)

func TestActivateWatchpoint(t *testing.T) {
	c, h, p := newTarget(t)
	require.True(t, c.ActivateWatchpoint(h, 0x4000, 8))
	assert.Equal(t, []target.Watch{
		{Addr: 0x4000, Size: 8, Write: true, TrapAfter: true},
	}, p.SyncedWatches())

	// activating the same range twice is harmless
	require.True(t, c.ActivateWatchpoint(h, 0x4000, 8))
	assert.Len(t, p.SyncedWatches(), 1)

	require.True(t, c.DeactivateWatchpoint(h, 0x4000, 8))
	assert.Empty(t, p.SyncedWatches())
}

func TestActivateWatchpointNoSlot(t *testing.T) {
	hook := captureLogs(t)
	c, h, p := newTarget(t)
	for i := 0; i < simproc.MaxWatches; i++ {
		require.True(t, c.ActivateWatchpoint(h, uint64(0x4000+i*8), 8))
	}
	assert.False(t, c.ActivateWatchpoint(h, 0x5000, 4))
	assert.Len(t, p.SyncedWatches(), simproc.MaxWatches)

	entries := errorEntries(hook)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "could not set watch point at 0x5000 size 4")
}

func TestSetWatchpointSyncFailure(t *testing.T) {
	captureLogs(t)
	c, h, p := newTarget(t)
	p.FailOn("Sync", assert.AnError)
	assert.False(t, c.ActivateWatchpoint(h, 0x4000, 8))
	assert.Empty(t, p.SyncedWatches())
}

func TestDeactivateUnknownWatchpoint(t *testing.T) {
	captureLogs(t)
	c, h, _ := newTarget(t)
	assert.False(t, c.DeactivateWatchpoint(h, 0x4000, 8))
}

func TestReadWatchpoint(t *testing.T) {
	c, h, p := newTarget(t)
	require.True(t, c.SetWatchpoint(h, target.WatchpointSpec{Address: 0x6000, Size: 4, OnRead: true}))
	assert.Equal(t, []target.Watch{{Addr: 0x6000, Size: 4, Read: true}}, p.SyncedWatches())
	assert.True(t, c.ClearWatchpoint(h, target.WatchpointSpec{Address: 0x6000, Size: 4, OnRead: true}))
}
