package target

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"
)

var (
	// ErrHandleReleased is returned when a handle is used after Kill or
	// Release, or when it was never produced by a Controller.
	ErrHandleReleased = errors.New("target handle released")

	handleSeqNo = atomic.NewUint64(0)
)

// Handle is the agent's reference to one controlled process. The only ways
// to get one are Controller.Create and Controller.Attach; the only ways to
// discard one are Controller.Kill and Controller.Release.
type Handle struct {
	id       uint64
	proc     Proc
	released *atomic.Bool
	stops    *atomic.Uint64 // bumped on every observed stop
}

func newHandle(p Proc) *Handle {
	return &Handle{
		id:       handleSeqNo.Add(1),
		proc:     p,
		released: atomic.NewBool(false),
		stops:    atomic.NewUint64(0),
	}
}

// ID returns the process-unique handle number.
func (h *Handle) ID() uint64 {
	if h == nil {
		return 0
	}
	return h.id
}

// Pid returns the OS process id, 0 for an invalid handle.
func (h *Handle) Pid() int {
	if h.get() == nil {
		return 0
	}
	return h.proc.Pid()
}

// StopCount returns how many stops the agent has observed for the process.
// Lookups use it to tell whether cached target state is still current.
func (h *Handle) StopCount() uint64 {
	if h == nil || h.stops == nil {
		return 0
	}
	return h.stops.Load()
}

func (h *Handle) String() string {
	if h == nil {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d)", h.id)
}

// get returns the process behind h, nil if h is unusable.
func (h *Handle) get() Proc {
	if h == nil || h.proc == nil || h.released == nil || h.released.Load() {
		return nil
	}
	return h.proc
}

// release invalidates h and reports whether this call did it.
func (h *Handle) release() bool {
	if h == nil || h.released == nil {
		return false
	}
	return h.released.CAS(false, true)
}
