// Package simproc is a deterministic in-memory process backend.
//
// A simulated process has a sparse memory image, a list of threads and a
// queue of events that play out when the process runs: writes, breakpoint
// hits, faults, signals and exit. Trap sets, watch areas and pending
// fault/signal bookkeeping follow the same rules as a real backend, which
// makes it suitable for exercising the agent core without ptrace.
package simproc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

const pageSize = 4096

// MaxWatches is the number of watch areas a simulated process accepts.
const MaxWatches = 4

var (
	// ErrUnmapped is returned for transfers touching unmapped memory.
	ErrUnmapped = errors.New("address not mapped")
	// ErrReadOnly is returned for writes to read-only memory.
	ErrReadOnly = errors.New("address not writable")
	// ErrNotStopped is returned by operations that need a stopped process.
	ErrNotStopped = errors.New("process not stopped")
)

// Backend creates simulated processes.
type Backend struct {
	mu      sync.Mutex
	nextPid int
	procs   map[int]*Process

	// Setup, when set, prepares every created process before Create
	// returns it.
	Setup func(p *Process)
	// CreateErr makes every Create fail with this error.
	CreateErr error
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{nextPid: 1000, procs: map[int]*Process{}}
}

// Create implements target.Backend.
func (b *Backend) Create(argv []string, opts target.LaunchOptions) (target.Proc, error) {
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}
	if len(argv) == 0 {
		return nil, errors.New("no such file or directory")
	}
	p := b.spawn(argv, opts.Env)
	p.state = target.Stopped
	p.threads[0].why = target.WhyRequested
	if b.Setup != nil {
		b.Setup(p)
	}
	return p, nil
}

// Spawn starts a process outside of the agent's control, to be grabbed
// later with Grab.
func (b *Backend) Spawn(argv []string) *Process {
	p := b.spawn(argv, nil)
	p.state = target.Running
	return p
}

func (b *Backend) spawn(argv, env []string) *Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPid++
	p := &Process{
		pid:     b.nextPid,
		argv:    append([]string{}, argv...),
		env:     append([]string{}, env...),
		mem:     map[uint64]*page{},
		nextTid: b.nextPid,
		fail:    map[string]error{},
	}
	p.addThread(target.ThreadContext{})
	b.procs[p.pid] = p
	return p
}

// Grab implements target.Backend.
func (b *Backend) Grab(pid int) (target.Proc, error) {
	b.mu.Lock()
	p, ok := b.procs[pid]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("process %d not existed", pid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return nil, fmt.Errorf("process %d already exited", pid)
	}
	p.released = false
	p.stopAll()
	return p, nil
}

// Process returns the process with the given pid.
func (b *Backend) Process(pid int) *Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[pid]
}

type page struct {
	data     [pageSize]byte
	writable bool
}

type thread struct {
	id   int
	ctx  target.ThreadContext
	why  target.StopWhy
	what int
}

type eventKind int

const (
	evWrite eventKind = iota
	evBreakpoint
	evFault
	evSignal
	evExit
)

type event struct {
	kind eventKind
	tid  int
	addr uint64
	data []byte
	n    int // fault id, signal number or exit status
}

// Process is one simulated process. It implements target.Proc.
type Process struct {
	mu sync.Mutex

	pid      int
	argv     []string
	env      []string
	state    target.ProcessState
	released bool

	mem     map[uint64]*page
	threads []*thread
	nextTid int
	agent   int

	policy     target.TrapPolicy
	pendingFlt int
	pendingSig int

	watches []target.Watch
	synced  []target.Watch

	events     []event
	exitStatus int

	fail         map[string]error
	threadsFail  int
	threadsError error
	calls        []string
}

func (p *Process) addThread(ctx target.ThreadContext) int {
	tid := p.nextTid
	p.nextTid++
	p.threads = append(p.threads, &thread{id: tid, ctx: ctx})
	return tid
}

func (p *Process) thread(tid int) *thread {
	for _, th := range p.threads {
		if th.id == tid {
			return th
		}
	}
	return nil
}

// call records a primitive call and returns its injected failure, if any.
func (p *Process) call(op string) error {
	p.calls = append(p.calls, op)
	return p.fail[op]
}

func (p *Process) stopAll() {
	p.state = target.Stopped
	for _, th := range p.threads {
		th.why, th.what = target.WhyRequested, 0
	}
}

// ---- test helpers ----

// Map makes [addr, addr+size) addressable, rounded out to whole pages.
func (p *Process) Map(addr, size uint64, writable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pg := addr &^ (pageSize - 1); pg < addr+size; pg += pageSize {
		if _, ok := p.mem[pg]; !ok {
			p.mem[pg] = &page{}
		}
		p.mem[pg].writable = writable
	}
}

// Poke stores data directly into the image, ignoring protections.
func (p *Process) Poke(addr uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range data {
		a := addr + uint64(i)
		if pg, ok := p.mem[a&^(pageSize-1)]; ok {
			pg.data[a&(pageSize-1)] = b
		}
	}
}

// AddThread adds a thread with the given context and returns its id.
func (p *Process) AddThread(ctx target.ThreadContext) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	tid := p.addThread(ctx)
	if p.state == target.Stopped {
		p.thread(tid).why = target.WhyRequested
	}
	return tid
}

// SetContext replaces the machine context of thread tid.
func (p *Process) SetContext(tid int, ctx target.ThreadContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th := p.thread(tid); th != nil {
		th.ctx = ctx
	}
}

// MainThread returns the id of the first thread.
func (p *Process) MainThread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[0].id
}

// QueueWrite makes thread tid store data at addr when the process runs.
func (p *Process) QueueWrite(tid int, addr uint64, data []byte) {
	p.queue(event{kind: evWrite, tid: tid, addr: addr, data: append([]byte{}, data...)})
}

// QueueBreakpoint makes thread tid hit a breakpoint instruction.
func (p *Process) QueueBreakpoint(tid int) {
	p.queue(event{kind: evBreakpoint, tid: tid})
}

// QueueFault makes thread tid raise fault f.
func (p *Process) QueueFault(tid int, f target.FaultID) {
	p.queue(event{kind: evFault, tid: tid, n: int(f)})
}

// QueueSignal delivers signal sig to thread tid.
func (p *Process) QueueSignal(tid int, sig int) {
	p.queue(event{kind: evSignal, tid: tid, n: sig})
}

// QueueExit makes the process exit with status.
func (p *Process) QueueExit(status int) {
	p.queue(event{kind: evExit, n: status})
}

func (p *Process) queue(ev event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// FailOn makes the primitive op fail with err. Op names are the Proc
// method names, e.g. "Run" or "ClearFault". A nil err removes the failure.
func (p *Process) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, op)
		return
	}
	p.fail[op] = err
}

// FailThreadsAfter makes thread iteration fail after n threads.
func (p *Process) FailThreadsAfter(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threadsFail, p.threadsError = n, err
}

// Calls returns the primitive calls made so far.
func (p *Process) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.calls...)
}

// ResetCalls forgets the recorded calls.
func (p *Process) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Argv returns the command line the process was created with.
func (p *Process) Argv() []string { return append([]string{}, p.argv...) }

// Env returns the extra environment the process was created with.
func (p *Process) Env() []string { return append([]string{}, p.env...) }

// Installed returns the trap sets currently installed.
func (p *Process) Installed() target.TrapPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Pending returns the pending fault and signal.
func (p *Process) Pending() (fault, sig int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingFlt, p.pendingSig
}

// SyncedWatches returns the watch areas in effect for the running process.
func (p *Process) SyncedWatches() []target.Watch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]target.Watch{}, p.synced...)
}

// Agent returns the id of the live agent thread, 0 if none.
func (p *Process) Agent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agent
}

// ExitStatus returns the status the process exited with.
func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

// SetState forces the process state, e.g. to model a zombie.
func (p *Process) SetState(s target.ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// ---- target.Proc ----

func (p *Process) Pid() int { return p.pid }

func (p *Process) State() target.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("Stop"); err != nil {
		return err
	}
	if p.state == target.Running {
		p.stopAll()
	}
	return nil
}

func (p *Process) Run() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("Run"); err != nil {
		return err
	}
	if p.state != target.Stopped {
		return ErrNotStopped
	}
	p.state = target.Running
	for _, th := range p.threads {
		th.why, th.what = target.WhyNone, 0
	}
	return nil
}

// Wait plays queued events until one of them stops the process. When the
// queue runs dry the process stops as if the inspector had asked for it.
func (p *Process) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("Wait"); err != nil {
		return err
	}
	if p.state != target.Running {
		return nil
	}
	for len(p.events) > 0 {
		ev := p.events[0]
		p.events = p.events[1:]
		if p.play(ev) {
			return nil
		}
	}
	p.stopAll()
	return nil
}

// play runs one event and reports whether the process stopped or exited.
func (p *Process) play(ev event) bool {
	switch ev.kind {
	case evExit:
		p.state = target.Dead
		p.exitStatus = ev.n
		return true
	case evWrite:
		p.store(ev.addr, ev.data)
		if p.policy.Faults.Has(target.FaultWatch) && p.watched(ev.addr, uint64(len(ev.data))) {
			p.faulted(ev.tid, target.FaultWatch)
			return true
		}
	case evBreakpoint:
		if p.policy.Faults.Has(target.FaultBreakpoint) {
			p.faulted(ev.tid, target.FaultBreakpoint)
			return true
		}
	case evFault:
		if p.policy.Faults.Has(target.FaultID(ev.n)) {
			p.faulted(ev.tid, target.FaultID(ev.n))
			return true
		}
	case evSignal:
		if p.policy.Signals.Has(ev.n) {
			p.stopAll()
			if th := p.thread(ev.tid); th != nil {
				th.why, th.what = target.WhySignalled, ev.n
			}
			p.pendingSig = ev.n
			return true
		}
	}
	return false
}

func (p *Process) faulted(tid int, f target.FaultID) {
	p.stopAll()
	if th := p.thread(tid); th != nil {
		th.why, th.what = target.WhyFaulted, int(f)
	}
	p.pendingFlt = int(f)
}

func (p *Process) watched(addr, size uint64) bool {
	for _, w := range p.synced {
		if w.Write && addr < w.Addr+w.Size && w.Addr < addr+size {
			return true
		}
	}
	return false
}

func (p *Process) store(addr uint64, data []byte) {
	for i, b := range data {
		a := addr + uint64(i)
		if pg, ok := p.mem[a&^(pageSize-1)]; ok {
			pg.data[a&(pageSize-1)] = b
		}
	}
}

func (p *Process) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("Sync"); err != nil {
		return err
	}
	p.synced = append(p.synced[:0], p.watches...)
	return nil
}

func (p *Process) SetSyscallEntry(set target.SyscallSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("SetSyscallEntry"); err != nil {
		return err
	}
	p.policy.SyscallEntry = set
	return nil
}

func (p *Process) SetSyscallExit(set target.SyscallSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("SetSyscallExit"); err != nil {
		return err
	}
	p.policy.SyscallExit = set
	return nil
}

func (p *Process) SetSignals(set target.SignalSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("SetSignals"); err != nil {
		return err
	}
	p.policy.Signals = set
	return nil
}

func (p *Process) SetFaults(set target.FaultSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("SetFaults"); err != nil {
		return err
	}
	p.policy.Faults = set
	return nil
}

func (p *Process) ClearFault() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("ClearFault"); err != nil {
		return err
	}
	p.pendingFlt = 0
	return nil
}

func (p *Process) ClearSignal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("ClearSignal"); err != nil {
		return err
	}
	p.pendingSig = 0
	return nil
}

func (p *Process) ReadAt(b []byte, addr uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("ReadAt"); err != nil {
		return 0, err
	}
	for i := range b {
		a := addr + uint64(i)
		pg, ok := p.mem[a&^(pageSize-1)]
		if !ok {
			return i, ErrUnmapped
		}
		b[i] = pg.data[a&(pageSize-1)]
	}
	return len(b), nil
}

func (p *Process) WriteAt(b []byte, addr uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("WriteAt"); err != nil {
		return 0, err
	}
	for i, v := range b {
		a := addr + uint64(i)
		pg, ok := p.mem[a&^(pageSize-1)]
		if !ok {
			return i, ErrUnmapped
		}
		if !pg.writable {
			return i, ErrReadOnly
		}
		pg.data[a&(pageSize-1)] = v
	}
	return len(b), nil
}

func (p *Process) CreateAgent() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("CreateAgent"); err != nil {
		return 0, err
	}
	if p.state != target.Stopped {
		return 0, ErrNotStopped
	}
	if p.agent != 0 {
		return p.agent, nil
	}
	p.agent = p.addThread(target.ThreadContext{})
	p.thread(p.agent).why = target.WhyRequested
	return p.agent, nil
}

func (p *Process) DestroyAgent() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("DestroyAgent"); err != nil {
		return err
	}
	if p.agent == 0 {
		return nil
	}
	for i, th := range p.threads {
		if th.id == p.agent {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	p.agent = 0
	return nil
}

// Threads iterates without holding the lock, so fn may call back into the
// process, e.g. to read memory.
func (p *Process) Threads(fn func(target.ThreadStatus) error) error {
	p.mu.Lock()
	if err := p.call("Threads"); err != nil {
		p.mu.Unlock()
		return err
	}
	var list []target.ThreadStatus
	for _, th := range p.threads {
		list = append(list, target.ThreadStatus{
			ID:      th.id,
			Stopped: p.state == target.Stopped,
			Why:     th.why,
			What:    th.what,
			Context: th.ctx,
		})
	}
	failAfter, failErr := p.threadsFail, p.threadsError
	p.mu.Unlock()

	for i, ts := range list {
		if failErr != nil && i == failAfter {
			return failErr
		}
		if err := fn(ts); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) SetWatch(w target.Watch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("SetWatch"); err != nil {
		return err
	}
	if w.Size == 0 {
		return fmt.Errorf("invalid watch size %d", w.Size)
	}
	for _, cur := range p.watches {
		if cur == w {
			return nil
		}
	}
	if len(p.watches) >= MaxWatches {
		return target.ErrNoWatchSlot
	}
	p.watches = append(p.watches, w)
	sort.Slice(p.watches, func(i, j int) bool { return p.watches[i].Addr < p.watches[j].Addr })
	return nil
}

func (p *Process) ClearWatch(w target.Watch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("ClearWatch"); err != nil {
		return err
	}
	for i, cur := range p.watches {
		if cur == w {
			p.watches = append(p.watches[:i], p.watches[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no watch point at %#x", w.Addr)
}

func (p *Process) Release(kill bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.call("Release"); err != nil {
		return err
	}
	p.watches, p.synced = nil, nil
	p.released = true
	if kill {
		p.state = target.Dead
		p.exitStatus = -9
		return nil
	}
	p.state = target.Running
	return nil
}
