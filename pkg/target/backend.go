package target

import (
	"errors"
	"io"
)

var (
	// ErrNotSupported is returned by backends that cannot control processes
	// on the current platform.
	ErrNotSupported = errors.New("process control not supported on this platform")

	// ErrNoWatchSlot is returned when every watch slot of the target is
	// already in use.
	ErrNoWatchSlot = errors.New("no free watch slot")
)

// LaunchOptions configures process creation.
type LaunchOptions struct {
	// Env is appended to the agent's own environment.
	Env []string
	// Dir is the working directory of the new process, empty for the
	// agent's working directory.
	Dir string
	// TTY runs the target on a freshly allocated pseudo terminal.
	TTY bool
	// Stdin, Stdout and Stderr are used when TTY is false. Nil means the
	// agent's own streams.
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// Backend creates or grabs processes.
type Backend interface {
	// Create spawns argv stopped before its first instruction.
	Create(argv []string, opts LaunchOptions) (Proc, error)
	// Grab takes control of the running process pid and stops it.
	Grab(pid int) (Proc, error)
}

// ThreadContext is the part of a thread's machine state used to look up
// thread specific data.
type ThreadContext struct {
	PC      uint64
	SP      uint64
	TLSBase uint64
}

// ThreadStatus is a snapshot of one thread of a stopped process.
type ThreadStatus struct {
	ID      int
	Stopped bool
	Why     StopWhy
	What    int // fault id, signal or system call number depending on Why
	Context ThreadContext
}

// Watch is a backend watch area.
type Watch struct {
	Addr      uint64
	Size      uint64
	Read      bool
	Write     bool
	Exec      bool
	TrapAfter bool
}

// Proc is the primitive control interface of one process. Every call is
// synchronous. Calls other than State, Pid and Release are only meaningful
// while the process is not in a terminal state.
type Proc interface {
	Pid() int
	State() ProcessState

	// Stop requests every thread to halt.
	Stop() error
	// Wait blocks until the process stops or exits.
	Wait() error
	// Run continues every thread using the installed trap sets.
	Run() error
	// Sync flushes cached control state (watch areas, registers) to the OS.
	Sync() error

	SetSyscallEntry(set SyscallSet) error
	SetSyscallExit(set SyscallSet) error
	SetSignals(set SignalSet) error
	SetFaults(set FaultSet) error
	// ClearFault discards the fault the process stopped on, so it is not
	// redelivered when the process runs again.
	ClearFault() error
	// ClearSignal discards the pending signal of the stopped thread.
	ClearSignal() error

	// ReadAt copies target memory at addr into p in one bounded transfer and
	// returns the number of bytes read.
	ReadAt(p []byte, addr uint64) (int, error)
	// WriteAt copies p into target memory at addr and returns the number of
	// bytes written.
	WriteAt(p []byte, addr uint64) (int, error)

	// CreateAgent prepares the process for thread iteration and returns the
	// id of the helper thread, 0 when the backend does not need one.
	CreateAgent() (int, error)
	DestroyAgent() error
	// Threads calls fn for each thread, stopping at the first error.
	Threads(fn func(ThreadStatus) error) error

	SetWatch(w Watch) error
	ClearWatch(w Watch) error

	// Release gives up control of the process, killing it if kill is set.
	Release(kill bool) error
}
