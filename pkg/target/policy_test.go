package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		why  StopWhy
		what int
		want ThreadState
	}{
		{WhyFaulted, int(FaultBreakpoint), Breakpoint},
		{WhyFaulted, int(FaultWatch), Watchpoint},
		{WhyFaulted, int(FaultTrace), Suspended},
		{WhyFaulted, int(FaultAccess), Suspended},
		{WhySignalled, int(FaultBreakpoint), Suspended},
		{WhyRequested, 0, Suspended},
		{WhySyscallEntry, int(FaultWatch), Suspended},
		{WhyNone, 0, Suspended},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.why, tt.what), "%v/%d", tt.why, tt.what)
	}
}

func TestVMPolicy(t *testing.T) {
	tp := VMPolicy{}.TrapPolicy()
	assert.Equal(t, "{illegal,privileged,breakpoint,trace,overflow,float,stack,watch}", tp.Faults.String())
	for _, f := range []FaultID{FaultAccess, FaultBounds, FaultIntDivide, FaultPage} {
		assert.False(t, tp.Faults.Has(f), f.String())
	}
	assert.True(t, tp.Signals.Empty())
	assert.True(t, tp.SyscallEntry.Empty())
	assert.True(t, tp.SyscallExit.Empty())
}

func TestNewVMPolicy(t *testing.T) {
	p, err := NewVMPolicy([]string{" Access", "", "divide"})
	require.NoError(t, err)
	assert.Equal(t, []FaultID{FaultAccess, FaultIntDivide}, p.Extra)
	tp := p.TrapPolicy()
	assert.True(t, tp.Faults.Has(FaultAccess))
	assert.True(t, tp.Faults.Has(FaultIntDivide))
	assert.True(t, tp.Faults.Has(FaultWatch))

	_, err = NewVMPolicy([]string{"segv"})
	assert.EqualError(t, err, `unknown fault "segv"`)
}

func TestSets(t *testing.T) {
	var fs FaultSet
	assert.True(t, fs.Empty())
	fs.Add(FaultWatch)
	fs.Add(FaultID(0))
	fs.Add(maxFault + 1)
	assert.Equal(t, []FaultID{FaultWatch}, fs.Faults())
	fs.Del(FaultWatch)
	assert.True(t, fs.Empty())

	var ss SignalSet
	ss.Add(1)
	ss.Add(64)
	ss.Add(65)
	assert.Equal(t, 2, ss.Len())
	assert.True(t, ss.Has(64))
	assert.False(t, ss.Has(0))
	ss.Del(1)
	assert.False(t, ss.Has(1))

	var sc SyscallSet
	assert.True(t, sc.Empty())
	sc.Add(231)
	sc.Add(maxSyscall)
	assert.True(t, sc.Has(231))
	assert.False(t, sc.Has(maxSyscall))
	sc.Del(231)
	assert.True(t, sc.Empty())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "ProcessState(42)", ProcessState(42).String())
	assert.True(t, Undead.Terminal())
	assert.False(t, Stopped.Terminal())
	assert.Equal(t, "WATCHPOINT", Watchpoint.String())
	assert.Equal(t, "sysentry", WhySyscallEntry.String())
	assert.Equal(t, "fault(99)", FaultID(99).String())
}

func TestGetBuf(t *testing.T) {
	for _, n := range []int{1, 64, 65, 4096, 1 << 20} {
		b, put := getBuf(n)
		assert.Len(t, b, n)
		put()
	}
}
