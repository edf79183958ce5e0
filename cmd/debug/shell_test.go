package debug

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/hitzhangjie/teleproc/pkg/target"
	"github.com/hitzhangjie/teleproc/pkg/target/simproc"
)

const (
	textAddr  = 0x10000
	stackTop  = 0x12000
	stackSize = 0x1000
)

type testSession struct {
	*DebugSession
	ctrl *target.Controller
	h    *target.Handle
	p    *simproc.Process
	out  *bytes.Buffer
}

func newTestSession(t *testing.T, script string) *testSession {
	t.Helper()
	be := simproc.New()
	be.Setup = func(p *simproc.Process) {
		p.Map(textAddr, 0x2000, true)
		p.SetContext(p.MainThread(), target.ThreadContext{PC: textAddr, SP: stackTop - 0x10})
	}
	ctrl := target.NewController(be, target.Config{})
	h, err := ctrl.Create([]string{"vm"}, 9123)
	require.NoError(t, err)

	stack := target.SpecificsLookup(stackLookup{})
	out := &bytes.Buffer{}
	s := NewDebugSession(ctrl, h, stack, strings.NewReader(script), out)
	CurrentSession = s
	t.Cleanup(func() {
		CurrentSession = nil
		ctrl.Kill(h)
	})
	return &testSession{DebugSession: s, ctrl: ctrl, h: h, p: be.Process(h.Pid()), out: out}
}

// run executes line and returns its output.
func (ts *testSession) run(t *testing.T, line string) string {
	t.Helper()
	ts.out.Reset()
	require.NoError(t, ts.Exec(line), line)
	return ts.out.String()
}

type stackLookup struct{}

func (stackLookup) LookupSpecifics(_ target.Memory, ctx target.ThreadContext) (target.ThreadSpecifics, error) {
	if ctx.SP < stackTop-stackSize || ctx.SP >= stackTop {
		return target.ThreadSpecifics{}, target.ErrSpecificsNotFound
	}
	return target.ThreadSpecifics{StackBase: stackTop - stackSize, StackSize: stackSize, EnabledLocals: 0xe000}, nil
}

func TestLifecycleCommands(t *testing.T) {
	ts := newTestSession(t, "")

	assert.Contains(t, ts.run(t, "state"), "stopped, stops: 1")
	assert.Contains(t, ts.run(t, "resume"), "running")
	assert.Contains(t, ts.run(t, "suspend"), "stopped")
	assert.Contains(t, ts.run(t, "c"), "running")
	assert.Contains(t, ts.run(t, "wait"), "stopped, stops: 3")
	assert.Contains(t, ts.run(t, "c -w"), "stopped, stops: 4")
	// -w does not stick to the next run
	assert.Contains(t, ts.run(t, "continue"), "running")
}

func TestExitedTarget(t *testing.T) {
	ts := newTestSession(t, "")
	ts.p.QueueExit(0)

	assert.Contains(t, ts.run(t, "c -w"), "dead")
	assert.Error(t, ts.Exec("resume"))
	assert.Error(t, ts.Exec("threads"))
}

func TestKillCommand(t *testing.T) {
	ts := newTestSession(t, "")
	require.Contains(t, ts.run(t, "watch 0x10100 8"), "watchpoint[")

	assert.Contains(t, ts.run(t, "kill"), "killed")
	assert.Equal(t, target.Dead, ts.p.State())
	assert.Empty(t, ts.watches.list())

	err := ts.Exec("state")
	assert.ErrorIs(t, err, errNoSession)
}

func TestMemoryCommands(t *testing.T) {
	ts := newTestSession(t, "")
	ts.p.Poke(textAddr, []byte("hello"))

	out := ts.run(t, "x 0x10000 5")
	assert.Contains(t, out, "68 65 6c 6c 6f")
	assert.Contains(t, out, "|hello|")

	assert.Contains(t, ts.run(t, "setmem 0x10010 deadbeef"), "wrote 4 bytes at 0x10010")
	assert.Contains(t, ts.run(t, "x 0x10010 4"), "de ad be ef")

	// the mapping ends at 0x12000
	assert.Contains(t, ts.run(t, "x 0x11ff8 16"), "short read: 8 of 16 bytes")
	assert.Contains(t, ts.run(t, "setmem 0x11ffe 0x01020304"), "short write: 2 of 4 bytes")

	assert.Error(t, ts.Exec("x 0x0 4"))
	assert.Error(t, ts.Exec("x 0x10000"))
	assert.Error(t, ts.Exec("x 0x10000 0"))
	assert.Error(t, ts.Exec("setmem 0x10000 xyz"))
	assert.Error(t, ts.Exec("setmem 0x0 00"))
}

func TestDisassCommand(t *testing.T) {
	ts := newTestSession(t, "")
	// push rbp; mov rbp, rsp; ret
	ts.p.Poke(textAddr, []byte{0x55, 0x48, 0x89, 0xe5, 0xc3})

	out := ts.run(t, "disass 0x10000 -n 3 -s intel")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "push rbp")
	assert.Contains(t, lines[1], "48 89 e5")
	assert.Contains(t, lines[2], "ret")

	// syntax falls back to the default
	assert.Contains(t, ts.run(t, "dis 0x10000 -n 1"), "%rbp")

	assert.Error(t, ts.Exec("disass 0x10000 -s att"))
	assert.Error(t, ts.Exec("disass"))
}

func TestWatchAndThreads(t *testing.T) {
	ts := newTestSession(t, "")
	tid := ts.p.MainThread()

	require.Contains(t, ts.run(t, "watch 0x10100 8"), "addr:0x10100, size:8")
	ts.p.QueueWrite(tid, 0x10104, []byte{1})

	assert.Contains(t, ts.run(t, "resume -w"), "hit WATCHPOINT")

	out := ts.run(t, "threads")
	assert.Contains(t, out, "WATCHPOINT")
	assert.Contains(t, out, "faulted")
	assert.Contains(t, out, "0x11000-0x12000")
	assert.Contains(t, out, "0xe000")

	var tds []map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(ts.run(t, "threads -o yaml")), &tds))
	require.Len(t, tds, 1)
	assert.Equal(t, "WATCHPOINT", tds[0]["state"])
	assert.Equal(t, "faulted", tds[0]["why"])
	assert.Equal(t, tid, tds[0]["id"])
	assert.Equal(t, 0x11000, tds[0]["stackBase"])

	assert.Error(t, ts.Exec("threads -o json"))

	ts.run(t, "resume")
	err := ts.Exec("threads")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running")
}

func TestWatchTableCommands(t *testing.T) {
	ts := newTestSession(t, "")

	ts.run(t, "watch 0x10100 8")
	ts.run(t, "watch 0x10200 4")
	assert.Error(t, ts.Exec("watch 0x10100 8"), "duplicate")
	assert.Error(t, ts.Exec("watch 0x10300 0"))

	wps := ts.watches.list()
	require.Len(t, wps, 2)
	assert.Less(t, wps[0].ID, wps[1].ID)

	out := ts.run(t, "watches")
	assert.Equal(t, 2, strings.Count(out, "watchpoint["))

	ts.run(t, "unwatch 0x10200 4")
	assert.Len(t, ts.watches.list(), 1)
	assert.Error(t, ts.Exec("unwatch 0x10200 4"))
	assert.Error(t, ts.Exec("unwatch 999999"))

	ts.run(t, "watch 0x10300 2")
	assert.Contains(t, ts.run(t, "unwatchall"), "清空观察点成功")
	assert.Empty(t, ts.watches.list())
	assert.Empty(t, ts.p.SyncedWatches())
}

func TestWatchSlotsExhausted(t *testing.T) {
	ts := newTestSession(t, "")
	for i := 0; i < simproc.MaxWatches; i++ {
		ts.run(t, "watch "+[]string{"0x10100", "0x10200", "0x10300", "0x10400"}[i]+" 8")
	}
	err := ts.Exec("watch 0x10500 8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not set watchpoint at 0x10500")
	assert.Len(t, ts.watches.list(), simproc.MaxWatches)
}

func TestUnwatchByID(t *testing.T) {
	ts := newTestSession(t, "")
	ts.run(t, "watch 0x10100 8")
	wp := ts.watches.list()[0]

	assert.Contains(t, ts.run(t, "unwatch "+strconv.FormatUint(wp.ID, 10)), "removed")
	assert.Empty(t, ts.p.SyncedWatches())
}

func TestScriptedSession(t *testing.T) {
	ts := newTestSession(t, "state\n\n# comment\nbogus\nexit\nstate\n")
	cleaned := 0
	ts.AtExit(func() { cleaned++ })

	ts.Start()
	out := ts.out.String()
	assert.Equal(t, 1, strings.Count(out, "stops:"))
	assert.Contains(t, out, `Error: unknown command "bogus"`)
	assert.Equal(t, 1, cleaned)

	// cleanup runs once
	ts.Cleanup()
	assert.Equal(t, 1, cleaned)
}

func TestScriptEndsAtEOF(t *testing.T) {
	ts := newTestSession(t, "resume\n")
	ts.AtExit(func() { ts.ctrl.Kill(ts.h) })

	ts.Start()
	assert.Contains(t, ts.out.String(), "running")
	assert.Equal(t, target.Dead, ts.p.State())
}

func TestHelpByGroups(t *testing.T) {
	ts := newTestSession(t, "")
	out := ts.run(t, "help")
	for _, group := range []string{"- [execute]", "- [memory]", "- [threads]", "- [watch]", "- [other]"} {
		assert.Contains(t, out, group)
	}
	assert.Less(t, strings.Index(out, "- [execute]"), strings.Index(out, "- [watch]"))
}

func TestCompleter(t *testing.T) {
	assert.ElementsMatch(t, []string{"unwatch", "unwatchall"}, completer("unw"))
	assert.Contains(t, completer("c"), "c")
	assert.Contains(t, completer("c"), "continue")
}

func TestNoSession(t *testing.T) {
	CurrentSession = nil
	_, err := session()
	assert.ErrorIs(t, err, errNoSession)
}
