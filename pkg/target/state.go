package target

import "fmt"

// ProcessState is the state of a target process as seen by the agent.
type ProcessState int

const (
	Uninitialized ProcessState = iota
	Running
	Stopped
	Lost   // control was lost, e.g. another tracer took over
	Dead   // exited and reaped
	Undead // exited but not yet reaped (zombie)
)

var processStateStrings = map[ProcessState]string{
	Uninitialized: "uninitialized",
	Running:       "running",
	Stopped:       "stopped",
	Lost:          "lost",
	Dead:          "dead",
	Undead:        "undead",
}

func (s ProcessState) String() string {
	if str, ok := processStateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("ProcessState(%d)", int(s))
}

// Terminal reports whether no further lifecycle transition is possible.
func (s ProcessState) Terminal() bool {
	return s == Lost || s == Dead || s == Undead
}

// StopWhy is the OS reported reason a thread last halted.
type StopWhy int

const (
	WhyNone StopWhy = iota
	WhyRequested
	WhySignalled
	WhyFaulted
	WhySyscallEntry
	WhySyscallExit
	WhyJobControl
)

var stopWhyStrings = [...]string{
	WhyNone:         "none",
	WhyRequested:    "requested",
	WhySignalled:    "signalled",
	WhyFaulted:      "faulted",
	WhySyscallEntry: "sysentry",
	WhySyscallExit:  "sysexit",
	WhyJobControl:   "jobcontrol",
}

func (w StopWhy) String() string {
	if w >= 0 && int(w) < len(stopWhyStrings) {
		return stopWhyStrings[w]
	}
	return fmt.Sprintf("StopWhy(%d)", int(w))
}

func (w StopWhy) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// ThreadState is the classified stop reason reported for a thread.
type ThreadState int

const (
	Suspended ThreadState = iota
	Breakpoint
	Watchpoint
)

func (s ThreadState) String() string {
	switch s {
	case Suspended:
		return "SUSPENDED"
	case Breakpoint:
		return "BREAKPOINT"
	case Watchpoint:
		return "WATCHPOINT"
	}
	return fmt.Sprintf("ThreadState(%d)", int(s))
}

// MarshalText lets the state appear by name in yaml and json reports.
func (s ThreadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// classify maps the (why, what) pair observed at a stop to a ThreadState.
func classify(why StopWhy, what int) ThreadState {
	if why == WhyFaulted {
		switch FaultID(what) {
		case FaultBreakpoint:
			return Breakpoint
		case FaultWatch:
			return Watchpoint
		}
	}
	return Suspended
}
