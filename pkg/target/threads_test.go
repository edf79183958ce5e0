package target_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/teleproc/pkg/target"
	"github.com/hitzhangjie/teleproc/pkg/target/simproc"
)

type collector struct {
	tds []target.ThreadDescriptor
}

func (c *collector) ReportThread(td target.ThreadDescriptor) {
	c.tds = append(c.tds, td)
}

func (c *collector) ids() []int {
	var r []int
	for _, td := range c.tds {
		r = append(r, td.ID)
	}
	return r
}

// stackLookup reads a base/size pair stored at a fixed table address and
// matches it against the thread's stack pointer.
type stackLookup struct {
	table   uint64
	calls   int
	handles []uint64
}

func (l *stackLookup) LookupSpecifics(mem target.Memory, ctx target.ThreadContext) (target.ThreadSpecifics, error) {
	l.calls++
	l.handles = append(l.handles, mem.HandleID())
	buf := make([]byte, 16)
	if _, err := mem.ReadMemory(l.table, buf); err != nil {
		return target.ThreadSpecifics{}, err
	}
	base := binary.LittleEndian.Uint64(buf)
	size := binary.LittleEndian.Uint64(buf[8:])
	if ctx.SP < base || ctx.SP >= base+size {
		return target.ThreadSpecifics{}, target.ErrSpecificsNotFound
	}
	return target.ThreadSpecifics{StackBase: base, StackSize: size, EnabledLocals: base + 0x100}, nil
}

func TestGatherSkipsAgent(t *testing.T) {
	c, h, p := newTarget(t)
	t2 := p.AddThread(target.ThreadContext{})

	var seenAgent int
	col := &collector{}
	e := target.NewThreadEnumerator(c, target.ThreadReporterFunc(func(td target.ThreadDescriptor) {
		seenAgent = p.Agent()
		col.ReportThread(td)
	}), nil)

	assert.Equal(t, 2, e.Gather(h))
	assert.NotZero(t, seenAgent)
	assert.Equal(t, []int{p.MainThread(), t2}, col.ids())
	assert.NotContains(t, col.ids(), seenAgent)

	// the agent is gone once the scan is over
	assert.Zero(t, p.Agent())
	calls := p.Calls()
	assert.Equal(t, "DestroyAgent", calls[len(calls)-1])

	// every scan builds fresh descriptors
	col.tds = nil
	assert.Equal(t, 2, e.Gather(h))
	assert.Len(t, col.tds, 2)
}

func TestGatherClassifiesWatchpoint(t *testing.T) {
	c, h, p := newTarget(t)
	p.Map(0x2000, 0x1000, true)
	writer := p.AddThread(target.ThreadContext{})
	p.QueueWrite(writer, 0x3000-0x100, []byte{1}) // outside the watch
	p.QueueWrite(writer, 0x2004, []byte{42})

	require.True(t, c.ActivateWatchpoint(h, 0x2000, 8))
	require.True(t, c.Resume(h))
	require.True(t, c.Wait(h))

	states := map[int]target.ThreadState{}
	for _, td := range c.GatherThreads(h, nil) {
		states[td.ID] = td.State
	}
	assert.Equal(t, map[int]target.ThreadState{
		p.MainThread(): target.Suspended,
		writer:         target.Watchpoint,
	}, states)

	// trap after: the write already landed
	b := make([]byte, 1)
	require.Equal(t, 1, c.ReadBytes(h, 0x2004, b, 0, 1))
	assert.Equal(t, byte(42), b[0])
}

func TestGatherWithLookup(t *testing.T) {
	c, h, p := newTarget(t)
	p.Map(0x1000, 0x1000, false)
	tbl := make([]byte, 16)
	binary.LittleEndian.PutUint64(tbl, 0x7f0000)
	binary.LittleEndian.PutUint64(tbl[8:], 0x10000)
	p.Poke(0x1000, tbl)

	p.SetContext(p.MainThread(), target.ThreadContext{SP: 0x7f8000})
	other := p.AddThread(target.ThreadContext{SP: 0x10})

	l := &stackLookup{table: 0x1000}
	tds := c.GatherThreads(h, l)
	require.Len(t, tds, 2)
	assert.Equal(t, 2, l.calls)
	assert.Equal(t, []uint64{h.ID(), h.ID()}, l.handles)

	assert.Equal(t, p.MainThread(), tds[0].ID)
	assert.Equal(t, target.ThreadSpecifics{
		StackBase:     0x7f0000,
		StackSize:     0x10000,
		EnabledLocals: 0x7f0100,
	}, tds[0].ThreadSpecifics)

	assert.Equal(t, other, tds[1].ID)
	assert.Zero(t, tds[1].ThreadSpecifics)
}

func TestGatherPartialFailure(t *testing.T) {
	hook := captureLogs(t)
	c, h, p := newTarget(t)
	t2 := p.AddThread(target.ThreadContext{})
	p.AddThread(target.ThreadContext{})
	p.FailThreadsAfter(2, errors.New("ESRCH"))

	col := &collector{}
	n := target.NewThreadEnumerator(c, col, nil).Gather(h)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{p.MainThread(), t2}, col.ids())

	entries := errorEntries(hook)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "error iterating over threads")
	assert.Zero(t, p.Agent())
}

func TestGatherAgentFailure(t *testing.T) {
	hook := captureLogs(t)
	c, h, p := newTarget(t)
	p.AddThread(target.ThreadContext{})
	p.FailOn("CreateAgent", errors.New("EAGAIN"))

	assert.Len(t, c.GatherThreads(h, nil), 2)
	assert.Contains(t, p.Calls(), "DestroyAgent")
	require.Len(t, errorEntries(hook), 1)
}

func TestGatherDestroyFailureIsLogged(t *testing.T) {
	hook := captureLogs(t)
	c, h, p := newTarget(t)
	p.FailOn("DestroyAgent", errors.New("EBUSY"))

	assert.Len(t, c.GatherThreads(h, nil), 1)
	entries := errorEntries(hook)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "could not destroy agent thread")
}

func TestGatherRunningTarget(t *testing.T) {
	captureLogs(t)
	be := simproc.New()
	c := target.NewController(be, target.Config{})
	h, err := c.Create([]string{"vm"}, 1)
	require.NoError(t, err)
	require.True(t, c.Resume(h))

	// no agent can be created, the threads are still listed
	tds := c.GatherThreads(h, nil)
	require.Len(t, tds, 1)
	assert.Equal(t, target.WhyNone, tds[0].Why)
	assert.Equal(t, target.Suspended, tds[0].State)
}
