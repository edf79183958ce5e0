//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	sys "golang.org/x/sys/unix"

	"github.com/hitzhangjie/teleproc/pkg/logflags"
	"github.com/hitzhangjie/teleproc/pkg/target"
)

const ptraceOptions = sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_TRACESYSGOOD

var (
	errNotStopped    = errors.New("process not stopped")
	errBackendClosed = errors.New("backend closed")
)

// Backend is the native process backend. One backend traces any number of
// processes. A single reaper goroutine collects the wait statuses of all of
// them and hands each to its process, so running targets are serviced
// whether or not anybody waits for them.
type Backend struct {
	t   *tracer
	log logflags.Logger

	mu       sync.Mutex
	cond     *sync.Cond         // signalled on new work, new orphans and close
	owners   map[int]*process   // tid -> process
	orphans  map[int]waitResult // statuses of threads nobody owns yet
	awaiting map[int]bool       // tids whose first status is awaited
	closed   bool
}

type waitResult struct {
	s   sys.WaitStatus
	err error
}

// New returns the native backend.
func New() *Backend {
	b := &Backend{
		t:        newTracer(),
		log:      logflags.NativeLogger(),
		owners:   map[int]*process{},
		orphans:  map[int]waitResult{},
		awaiting: map[int]bool{},
	}
	b.cond = sync.NewCond(&b.mu)
	go b.reap()
	return b
}

// Close stops the tracer thread. The backend is unusable afterwards. The
// reaper exits once its pending wait4, if any, returns.
func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.t.stop()
}

func (b *Backend) register(tid int, p *process) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[tid] = p
	b.cond.Broadcast()
}

func (b *Backend) forget(tid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.owners, tid)
	delete(b.orphans, tid)
}

// adopt returns the stop recorded for tid before its clone event arrived.
func (b *Backend) adopt(tid int) (sys.WaitStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.orphans[tid]
	delete(b.orphans, tid)
	return r.s, ok
}

// await blocks until the first status of tid, a freshly started or attached
// thread, has been collected. Callers mark tid as awaited while holding mu
// around the request that makes it traced.
func (b *Backend) await(tid int) (sys.WaitStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.awaiting[tid] = true
	defer delete(b.awaiting, tid)
	b.cond.Broadcast()
	for {
		if r, ok := b.orphans[tid]; ok {
			delete(b.orphans, tid)
			return r.s, r.err
		}
		if b.closed {
			return 0, errBackendClosed
		}
		b.cond.Wait()
	}
}

// reap collects wait statuses while anything is traced.
func (b *Backend) reap() {
	for {
		b.mu.Lock()
		for !b.closed && len(b.owners) == 0 && len(b.awaiting) == 0 {
			b.cond.Wait()
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		var s sys.WaitStatus
		wpid, err := sys.Wait4(-1, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			b.lostAll(err)
			continue
		}
		b.dispatch(wpid, s)
	}
}

// dispatch hands one wait status to the process owning tid.
func (b *Backend) dispatch(tid int, s sys.WaitStatus) {
	b.mu.Lock()
	p := b.owners[tid]
	if p == nil {
		// a thread being started or attached, or a new thread reporting
		// before its parent's clone event; an unknown thread's exit is of
		// no interest
		if s.Stopped() || b.awaiting[tid] {
			b.orphans[tid] = waitResult{s: s}
			b.cond.Broadcast()
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	p.mu.Lock()
	p.handleLocked(tid, s)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// lostAll gives up every traced process after wait4 failed.
func (b *Backend) lostAll(err error) {
	b.mu.Lock()
	procs := map[*process]bool{}
	for _, p := range b.owners {
		procs[p] = true
	}
	for tid := range b.awaiting {
		if _, ok := b.orphans[tid]; !ok {
			b.orphans[tid] = waitResult{err: err}
		}
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	for p := range procs {
		p.mu.Lock()
		p.lostLocked(err)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Create starts argv under ptrace. The new process stops right after
// execve, before its first instruction.
func (b *Backend) Create(argv []string, opts target.LaunchOptions) (target.Proc, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}

	var (
		cmd  *exec.Cmd
		ctty *os.File
		err  error
	)
	// the reaper must not drop the first status of the new process
	b.mu.Lock()
	b.t.execPtrace(func() {
		cmd = exec.Command(argv[0])
		cmd.Args = argv
		cmd.Env = append(os.Environ(), opts.Env...)
		cmd.Dir = opts.Dir
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true, // implies PTRACE_TRACEME
			Setpgid: true,
		}
		if opts.TTY {
			var tty *os.File
			ctty, tty, err = pty.Open()
			if err != nil {
				err = fmt.Errorf("could not allocate pty: %v", err)
				return
			}
			defer tty.Close()
			cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Ptrace:  true,
				Setsid:  true,
				Setctty: true,
			}
		} else {
			cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
			if opts.Stdin != nil {
				cmd.Stdin = opts.Stdin
			}
			if opts.Stdout != nil {
				cmd.Stdout = opts.Stdout
			}
			if opts.Stderr != nil {
				cmd.Stderr = opts.Stderr
			}
		}
		err = cmd.Start()
	})
	if err == nil {
		b.awaiting[cmd.Process.Pid] = true
	}
	b.mu.Unlock()
	if err != nil {
		if ctty != nil {
			ctty.Close()
		}
		return nil, err
	}

	pid := cmd.Process.Pid
	p := newProcess(b, pid, true)
	p.ctty = ctty

	// wait target process stopped
	s, err := b.await(pid)
	if err != nil {
		p.closeTTY()
		return nil, fmt.Errorf("waiting for target execve failed: %v", err)
	}
	if !s.Stopped() {
		p.closeTTY()
		return nil, fmt.Errorf("process %d exited before its first instruction, status %#x", pid, uint32(s))
	}
	b.t.execPtrace(func() { err = sys.PtraceSetOptions(pid, ptraceOptions) })
	if err != nil {
		_ = sys.Kill(pid, sys.SIGKILL)
		p.closeTTY()
		return nil, fmt.Errorf("could not set ptrace options: %v", err)
	}

	p.threads[pid] = &nativeThread{id: pid, why: target.WhyRequested}
	b.register(pid, p)
	if p.comm, err = readProcComm(pid); err != nil {
		p.comm = argv[0]
	}

	if ctty != nil {
		out := io.Writer(os.Stdout)
		if opts.Stdout != nil {
			out = opts.Stdout
		}
		go io.Copy(out, ctty)
		if opts.Stdin != nil {
			go io.Copy(ctty, opts.Stdin)
		}
	}
	b.log.Debugf("process %d (%s) started, stopped after execve", pid, p.comm)
	return p, nil
}

// Grab attaches to every thread of the running process pid and stops it.
func (b *Backend) Grab(pid int) (target.Proc, error) {
	// check pid
	if err := sys.Kill(pid, 0); err != nil {
		return nil, fmt.Errorf("process %d not existed: %v", pid, err)
	}
	p := newProcess(b, pid, false)
	var err error
	if p.comm, err = readProcComm(pid); err != nil {
		return nil, err
	}

	// attach to other threads until no new thread shows up
	for {
		tids, err := loadThreadList(pid)
		if err != nil {
			p.detachAll()
			return nil, fmt.Errorf("load threads err: %v", err)
		}
		added := 0
		for _, tid := range tids {
			if _, ok := p.threads[tid]; ok {
				continue
			}
			if err := p.attachThread(tid); err != nil {
				if tid == pid {
					p.detachAll()
					return nil, err
				}
				b.log.Debugf("thread %d: %v", tid, err)
				continue
			}
			added++
		}
		if added == 0 {
			break
		}
	}
	b.log.Debugf("process %d (%s) attached, %d threads", pid, p.comm, len(p.threads))
	return p, nil
}

// process is a traced process. Its threads are all stopped or all running,
// except while Wait or Stop are gathering the stops.
type process struct {
	b     *Backend
	log   logflags.Logger
	pid   int
	comm  string
	child bool
	ctty  *os.File

	mu         sync.Mutex
	cond       *sync.Cond // signalled after every wait status handled
	state      target.ProcessState
	threads    map[int]*nativeThread
	policy     target.TrapPolicy
	watches    []target.Watch
	drs        debugRegisters
	drsDirty   bool
	halting    bool
	exitStatus int
}

func newProcess(b *Backend, pid int, child bool) *process {
	p := &process{
		b:       b,
		log:     b.log,
		pid:     pid,
		child:   child,
		state:   target.Stopped,
		threads: map[int]*nativeThread{},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *process) attachThread(tid int) error {
	var err error
	p.b.mu.Lock()
	p.b.t.execPtrace(func() { err = sys.PtraceAttach(tid) })
	if err == nil {
		p.b.awaiting[tid] = true
	}
	p.b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("process %d attached error: %v", tid, err)
	}
	s, err := p.b.await(tid)
	if err != nil {
		return fmt.Errorf("process %d waited error: %v", tid, err)
	}
	if s.Exited() || s.Signaled() {
		return fmt.Errorf("thread %d already exited", tid)
	}
	p.b.t.execPtrace(func() { err = sys.PtraceSetOptions(tid, ptraceOptions) })
	if err != nil {
		return fmt.Errorf("set ptrace options err: %v", err)
	}

	th := &nativeThread{id: tid, why: target.WhyRequested}
	if sig := int(s.StopSignal()); sig != int(sys.SIGSTOP) {
		// something else arrived before the attach stop
		th.delayed = sig
		th.stopSent = true
	}
	p.threads[tid] = th
	p.b.register(tid, p)
	return nil
}

func (p *process) detachAll() {
	for tid := range p.threads {
		tid := tid
		p.b.t.execPtrace(func() { _ = ptraceDetach(tid, 0) })
		p.b.forget(tid)
	}
	p.threads = map[int]*nativeThread{}
}

func (p *process) closeTTY() {
	if p.ctty != nil {
		p.ctty.Close()
		p.ctty = nil
	}
}

func (p *process) Pid() int { return p.pid }

func (p *process) State() target.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop halts every thread and blocks until all of them stopped.
func (p *process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != target.Running {
		return nil
	}
	p.haltLocked(0)
	for p.state == target.Running && !p.settleLocked() {
		p.cond.Wait()
	}
	return nil
}

// Wait blocks until the process stops or exits. The statuses themselves are
// collected by the backend's reaper.
func (p *process) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.state == target.Running {
		p.cond.Wait()
	}
	return nil
}

// handleLocked processes one wait status and reports whether the process
// settled.
func (p *process) handleLocked(tid int, s sys.WaitStatus) bool {
	th, ok := p.threads[tid]
	if !ok {
		return false
	}

	if s.Exited() || s.Signaled() {
		if tid == p.pid {
			p.exitedLocked(s)
			return true
		}
		delete(p.threads, tid)
		p.b.forget(tid)
		return p.settleLocked()
	}
	if !s.Stopped() {
		return false
	}

	th.running = false
	sig := int(s.StopSignal())

	switch {
	case sig == int(sys.SIGTRAP) && s.TrapCause() == sys.PTRACE_EVENT_CLONE:
		// A traced thread has cloned a new thread, grab the pid and
		// add it to our list of traced threads.
		var (
			cloned uint
			err    error
		)
		p.b.t.execPtrace(func() { cloned, err = sys.PtraceGetEventMsg(tid) })
		if err != nil {
			p.log.Errorf("could not get event message: %v", err)
		} else {
			p.addClonedLocked(int(cloned))
		}
		return p.resumeOrHoldLocked(th)

	case sig == int(sys.SIGTRAP|0x80):
		return p.syscallStopLocked(th)

	case sig == int(sys.SIGSTOP) && (th.fresh || th.stopSent):
		if th.fresh {
			th.fresh = false
			p.installWatchesLocked(th)
		}
		th.stopSent = false
		return p.resumeOrHoldLocked(th)
	}

	si, err := ptraceSiginfo(p.b.t, tid)
	if err == sys.EINVAL && jobControl(sig) {
		// group-stop
		th.why, th.what = target.WhyJobControl, sig
		p.haltLocked(tid)
		return p.settleLocked()
	}
	if err != nil {
		p.log.Debugf("thread %d: could not get siginfo: %v", tid, err)
	}

	m := machineFault{sig: sig, code: si.Code, addr: si.Addr}
	switch sys.Signal(sig) {
	case sys.SIGSEGV:
		if ctx, err := p.b.t.context(tid); err == nil {
			m.sp = ctx.SP
		}
	case sys.SIGTRAP:
		onExec := false
		_ = p.b.t.withDebugRegisters(tid, func(drs *debugRegisters) bool {
			m.dr6 = drs.dr6
			idx, ok := drs.hit()
			if ok {
				slot, _ := drs.slot(idx)
				onExec = slot.rw == rwExec
			}
			return ok
		})
		th.execWatch = onExec
	}

	// an untrapped fault turns into its signal
	if flt, ok := m.fault(); ok && p.policy.Faults.Has(flt) {
		th.why, th.what = target.WhyFaulted, int(flt)
		th.sig, th.sigIsFault = sig, true
		p.haltLocked(tid)
		return p.settleLocked()
	}
	if p.policy.Signals.Has(sig) {
		th.why, th.what = target.WhySignalled, sig
		th.sig, th.sigIsFault = sig, false
		p.haltLocked(tid)
		return p.settleLocked()
	}

	th.execWatch = false
	if p.halting {
		th.delayed = sig
		return p.settleLocked()
	}
	p.resumeLocked(th, sig)
	return false
}

func (p *process) syscallStopLocked(th *nativeThread) bool {
	entry := !th.inSyscall
	th.inSyscall = entry

	nr, err := p.b.t.syscallNo(th.id)
	if err != nil {
		p.log.Debugf("thread %d: could not read system call number: %v", th.id, err)
		return p.resumeOrHoldLocked(th)
	}
	set, why := &p.policy.SyscallExit, target.WhySyscallExit
	if entry {
		set, why = &p.policy.SyscallEntry, target.WhySyscallEntry
	}
	if set.Has(nr) {
		th.why, th.what = why, nr
		p.haltLocked(th.id)
		return p.settleLocked()
	}
	return p.resumeOrHoldLocked(th)
}

// addClonedLocked starts tracking a thread announced by a clone event.
func (p *process) addClonedLocked(tid int) {
	if _, ok := p.threads[tid]; ok {
		return
	}
	th := &nativeThread{id: tid, running: true, fresh: true}
	p.threads[tid] = th
	p.b.register(tid, p)

	if _, ok := p.b.adopt(tid); ok {
		// its initial stop was already reported
		th.fresh, th.running = false, false
		p.installWatchesLocked(th)
		p.resumeOrHoldLocked(th)
	}
}

func (p *process) installWatchesLocked(th *nativeThread) {
	if p.drs.dr7 == 0 {
		return
	}
	if err := p.b.t.installDebugRegisters(th.id, p.drs); err != nil {
		p.log.Errorf("thread %d: could not install watch points: %v", th.id, err)
	}
}

// resumeOrHoldLocked continues a thread that stopped for an event nobody
// asked for, unless the process is being halted.
func (p *process) resumeOrHoldLocked(th *nativeThread) bool {
	if p.halting {
		if th.why == target.WhyNone {
			th.why = target.WhyRequested
		}
		return p.settleLocked()
	}
	p.resumeLocked(th, 0)
	return false
}

func (p *process) resumeLocked(th *nativeThread, sig int) {
	syscalls := !p.policy.SyscallEntry.Empty() || !p.policy.SyscallExit.Empty()
	var err error
	p.b.t.execPtrace(func() {
		if syscalls {
			err = ptraceSyscall(th.id, sig)
			return
		}
		err = sys.PtraceCont(th.id, sig)
	})
	if !syscalls {
		th.inSyscall = false
	}
	if err != nil {
		if err != sys.ESRCH {
			p.log.Errorf("thread %d: ptrace cont, err: %v", th.id, err)
		}
		// the exit status is still to come
	}
	th.running = true
}

// haltLocked starts stopping every running thread but except.
func (p *process) haltLocked(except int) {
	p.halting = true
	for _, th := range p.threads {
		if th.id == except || !th.running || th.stopSent {
			continue
		}
		if err := sys.Tgkill(p.pid, th.id, sys.SIGSTOP); err != nil {
			if err != sys.ESRCH {
				p.log.Errorf("halt err %v on thread %d", err, th.id)
			}
			continue
		}
		th.stopSent = true
	}
}

// settleLocked completes a halt once no thread runs anymore.
func (p *process) settleLocked() bool {
	if !p.halting {
		return false
	}
	for _, th := range p.threads {
		if th.running {
			return false
		}
	}
	p.halting = false
	p.state = target.Stopped
	for _, th := range p.threads {
		if th.why == target.WhyNone {
			th.why = target.WhyRequested
		}
	}
	return true
}

func (p *process) exitedLocked(s sys.WaitStatus) {
	if p.state.Terminal() {
		return
	}
	if s.Signaled() {
		p.exitStatus = -int(s.Signal())
	} else {
		p.exitStatus = s.ExitStatus()
	}
	p.state = target.Dead
	if !p.child && status(p.pid) == statusZombie {
		// still to be reaped by its parent
		p.state = target.Undead
	}
	for tid := range p.threads {
		p.b.forget(tid)
	}
	p.threads = map[int]*nativeThread{}
	p.halting = false
	p.closeTTY()
	p.log.Debugf("process %d exited with status %d", p.pid, p.exitStatus)
}

func (p *process) lostLocked(err error) {
	if p.state.Terminal() {
		return
	}
	p.state = target.Lost
	if status(p.pid) == statusZombie {
		p.state = target.Undead
	}
	for tid := range p.threads {
		p.b.forget(tid)
	}
	p.threads = map[int]*nativeThread{}
	p.closeTTY()
	p.log.Errorf("lost control of process %d: %v", p.pid, err)
}

func (p *process) sortedThreadsLocked() []*nativeThread {
	ths := make([]*nativeThread, 0, len(p.threads))
	for _, th := range p.threads {
		ths = append(ths, th)
	}
	sort.Slice(ths, func(i, j int) bool { return ths[i].id < ths[j].id })
	return ths
}

// Run continues every thread, delivering the signals that were not
// cleared.
func (p *process) Run() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != target.Stopped {
		return errNotStopped
	}
	for _, th := range p.sortedThreadsLocked() {
		sig := th.sig
		if sig == 0 {
			sig = th.delayed
		}
		if th.execWatch {
			if err := p.b.t.setResumeFlag(th.id); err != nil && err != sys.ESRCH {
				return err
			}
		}
		th.sig, th.sigIsFault, th.delayed, th.execWatch = 0, false, 0, false
		th.why, th.what = target.WhyNone, 0
		p.resumeLocked(th, sig)
	}
	p.state = target.Running
	return nil
}

// Sync installs the watch areas on every thread.
func (p *process) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return errNotStopped
	}
	if !p.drsDirty {
		return nil
	}
	if p.state != target.Stopped {
		return errNotStopped
	}
	for _, th := range p.threads {
		if err := p.b.t.installDebugRegisters(th.id, p.drs); err != nil {
			return fmt.Errorf("thread %d: %v", th.id, err)
		}
	}
	p.drsDirty = false
	return nil
}

func (p *process) SetSyscallEntry(set target.SyscallSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy.SyscallEntry = set
	return nil
}

func (p *process) SetSyscallExit(set target.SyscallSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy.SyscallExit = set
	return nil
}

func (p *process) SetSignals(set target.SignalSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy.Signals = set
	return nil
}

func (p *process) SetFaults(set target.FaultSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy.Faults = set
	return nil
}

func (p *process) ClearFault() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, th := range p.threads {
		if th.sigIsFault {
			th.sig, th.sigIsFault = 0, false
		}
	}
	return nil
}

func (p *process) ClearSignal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, th := range p.threads {
		if !th.sigIsFault {
			th.sig = 0
		}
	}
	return nil
}

// memThreadLocked returns a stopped thread to issue peek and poke requests on.
func (p *process) memThreadLocked() (int, bool) {
	if th, ok := p.threads[p.pid]; ok && !th.running {
		return p.pid, true
	}
	for _, th := range p.sortedThreadsLocked() {
		if !th.running {
			return th.id, true
		}
	}
	return 0, false
}

const pageSize = 4096

func pageEnd(addr uint64, off, n int) int {
	end := off + int(pageSize-(addr+uint64(off))%pageSize)
	if end > n {
		end = n
	}
	return end
}

// ReadAt reads with process_vm_readv, falling back to PTRACE_PEEKDATA one
// page at a time for pages the former can not read.
func (p *process) ReadAt(b []byte, addr uint64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return 0, errNotStopped
	}

	n, err := processVmRead(p.pid, uintptr(addr), b)
	if err == nil && n == len(b) {
		return n, nil
	}
	tid, ok := p.memThreadLocked()
	if !ok {
		if err == nil {
			err = sys.EFAULT
		}
		return n, err
	}
	for off := n; off < len(b); {
		end := pageEnd(addr, off, len(b))
		var m int
		p.b.t.execPtrace(func() { m, err = sys.PtracePeekData(tid, uintptr(addr)+uintptr(off), b[off:end]) })
		off += m
		if err != nil {
			return off, err
		}
		n = off
	}
	return n, nil
}

// WriteAt writes with process_vm_writev, falling back to PTRACE_POKEDATA,
// which also writes read-only mappings such as text.
func (p *process) WriteAt(b []byte, addr uint64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return 0, errNotStopped
	}

	n, err := processVmWrite(p.pid, uintptr(addr), b)
	if err == nil && n == len(b) {
		return n, nil
	}
	tid, ok := p.memThreadLocked()
	if !ok {
		if err == nil {
			err = sys.EFAULT
		}
		return n, err
	}
	for off := n; off < len(b); {
		end := pageEnd(addr, off, len(b))
		var m int
		p.b.t.execPtrace(func() { m, err = sys.PtracePokeData(tid, uintptr(addr)+uintptr(off), b[off:end]) })
		off += m
		if err != nil {
			return off, err
		}
		n = off
	}
	return n, nil
}

// CreateAgent checks that the process can be scanned. Threads are read
// directly through ptrace, so no helper thread is injected and the id is 0.
func (p *process) CreateAgent() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != target.Stopped {
		return 0, errNotStopped
	}
	return 0, nil
}

func (p *process) DestroyAgent() error {
	return nil
}

func (p *process) Threads(fn func(target.ThreadStatus) error) error {
	p.mu.Lock()
	var list []target.ThreadStatus
	for _, th := range p.sortedThreadsLocked() {
		ts := target.ThreadStatus{
			ID:      th.id,
			Stopped: !th.running,
			Why:     th.why,
			What:    th.what,
		}
		if ts.Stopped {
			ctx, err := p.b.t.context(th.id)
			if err == sys.ESRCH {
				continue
			}
			if err != nil {
				p.mu.Unlock()
				return fmt.Errorf("thread %d: could not read registers: %v", th.id, err)
			}
			ts.Context = ctx
		}
		list = append(list, ts)
	}
	p.mu.Unlock()

	for _, ts := range list {
		if err := fn(ts); err != nil {
			return err
		}
	}
	return nil
}

func (p *process) SetWatch(w target.Watch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != target.Stopped {
		return errNotStopped
	}
	for _, cur := range p.watches {
		if cur == w {
			return nil
		}
	}
	ws := append(append([]target.Watch{}, p.watches...), w)
	drs, err := encodeWatches(ws)
	if err != nil {
		return err
	}
	p.watches, p.drs, p.drsDirty = ws, drs, true
	return nil
}

func (p *process) ClearWatch(w target.Watch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != target.Stopped {
		return errNotStopped
	}
	for i, cur := range p.watches {
		if cur != w {
			continue
		}
		ws := append(append([]target.Watch{}, p.watches[:i]...), p.watches[i+1:]...)
		drs, err := encodeWatches(ws)
		if err != nil {
			return err
		}
		p.watches, p.drs, p.drsDirty = ws, drs, true
		return nil
	}
	return fmt.Errorf("no watch point at %#x", w.Addr)
}

// Release kills the process or detaches from it, leaving it running with
// its watch areas removed.
func (p *process) Release(kill bool) error {
	if kill {
		return p.kill()
	}
	if p.State() == target.Running {
		if err := p.Stop(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return nil
	}
	var clean debugRegisters
	for _, th := range p.sortedThreadsLocked() {
		sig := th.sig
		if sig == 0 {
			sig = th.delayed
		}
		var err error
		p.b.t.execPtrace(func() {
			if p.drs.dr7 != 0 {
				_ = pokeDebugRegs(th.id, clean)
			}
			err = ptraceDetach(th.id, sig)
		})
		if err != nil && err != sys.ESRCH {
			p.log.Errorf("thread %d detached error: %v", th.id, err)
		}
		p.b.forget(th.id)
	}
	p.threads = map[int]*nativeThread{}
	p.watches, p.drs = nil, debugRegisters{}

	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	// We have to wait a bit here, then check if the main thread is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if s := status(p.pid); s == statusTraceStopT {
		_ = sys.Kill(p.pid, sys.SIGCONT)
	}
	p.state = target.Running
	p.closeTTY()
	return nil
}

func (p *process) kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return nil
	}
	if err := sys.Kill(p.pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return errors.New("could not deliver signal " + err.Error())
	}
	// the reaper collects every thread, including ones whose clone event
	// is still pending, and the thread group leader last
	for !p.state.Terminal() {
		p.cond.Wait()
	}
	return nil
}

// ptraceSiginfo reads the siginfo of the signal tid stopped on.
func ptraceSiginfo(t *tracer, tid int) (siginfo, error) {
	var (
		si  siginfo
		err error
	)
	t.execPtrace(func() { si, err = ptraceGetSiginfo(tid) })
	return si, err
}
