package target

import (
	"errors"
)

// ThreadSpecifics are the stack bounds and VM thread locals of a thread.
type ThreadSpecifics struct {
	StackBase       uint64 `yaml:"stackBase"`
	StackSize       uint64 `yaml:"stackSize"`
	TriggeredLocals uint64 `yaml:"triggeredLocals"`
	EnabledLocals   uint64 `yaml:"enabledLocals"`
	DisabledLocals  uint64 `yaml:"disabledLocals"`
}

// ThreadDescriptor describes one thread of a stopped target. Descriptors
// are built fresh by every enumeration.
type ThreadDescriptor struct {
	ID    int         `yaml:"id"`
	State ThreadState `yaml:"state"`
	Why   StopWhy     `yaml:"why"`
	What  int         `yaml:"what"`

	ThreadSpecifics `yaml:",inline"`
}

// ThreadReporter receives the threads found by an enumeration.
type ThreadReporter interface {
	ReportThread(td ThreadDescriptor)
}

// ThreadReporterFunc adapts a function to the ThreadReporter interface.
type ThreadReporterFunc func(td ThreadDescriptor)

func (f ThreadReporterFunc) ReportThread(td ThreadDescriptor) {
	f(td)
}

// Memory is the read-only view of a stopped target given to lookups.
type Memory interface {
	// HandleID identifies the handle the target is controlled through. A
	// pid is reused across release and re-attach, a handle id is not.
	HandleID() uint64
	Pid() int
	// StopCount changes whenever the target may have run since the last
	// call, cached target state keyed by it stays valid otherwise.
	StopCount() uint64
	ReadMemory(addr uint64, p []byte) (int, error)
}

// SpecificsLookup resolves the thread specifics of a thread from its
// execution context.
type SpecificsLookup interface {
	LookupSpecifics(mem Memory, ctx ThreadContext) (ThreadSpecifics, error)
}

// ErrSpecificsNotFound is returned by lookups that know nothing about a
// thread; the enumerator reports the thread with zero specifics.
var ErrSpecificsNotFound = errors.New("thread specifics not found")

type noSpecifics struct{}

func (noSpecifics) LookupSpecifics(Memory, ThreadContext) (ThreadSpecifics, error) {
	return ThreadSpecifics{}, ErrSpecificsNotFound
}

// handleMemory exposes a handle through the Memory interface.
type handleMemory struct {
	c *Controller
	h *Handle
}

func (m handleMemory) HandleID() uint64  { return m.h.ID() }
func (m handleMemory) Pid() int          { return m.h.Pid() }
func (m handleMemory) StopCount() uint64 { return m.h.StopCount() }

func (m handleMemory) ReadMemory(addr uint64, p []byte) (int, error) {
	n := m.c.ReadBytes(m.h, addr, p, 0, len(p))
	if n < 0 {
		return 0, ErrHandleReleased
	}
	if n < len(p) {
		return n, errors.New("short read")
	}
	return n, nil
}

// ThreadEnumerator gathers the threads of stopped targets and hands them to
// the reporter it was built with.
type ThreadEnumerator struct {
	c        *Controller
	reporter ThreadReporter
	lookup   SpecificsLookup
}

// NewThreadEnumerator returns an enumerator reporting to r. A nil lookup
// reports every thread with zero specifics.
func NewThreadEnumerator(c *Controller, r ThreadReporter, lookup SpecificsLookup) *ThreadEnumerator {
	if lookup == nil {
		lookup = noSpecifics{}
	}
	return &ThreadEnumerator{c: c, reporter: r, lookup: lookup}
}

// Gather reports every thread of the stopped target behind h, except the
// agent thread used for the scan. It returns the number of threads
// reported; when iteration fails midway the threads already reported stand.
func (e *ThreadEnumerator) Gather(h *Handle) int {
	log := e.c.log
	p := e.c.proc(h, "gather threads")
	if p == nil {
		return 0
	}

	agent, err := p.CreateAgent()
	if err != nil {
		log.Errorf("could not create agent thread in process %d: %v", p.Pid(), err)
		agent = 0
	}
	defer func() {
		if err := p.DestroyAgent(); err != nil {
			log.Errorf("could not destroy agent thread in process %d: %v", p.Pid(), err)
		}
	}()

	mem := handleMemory{c: e.c, h: h}
	count := 0
	err = p.Threads(func(ts ThreadStatus) error {
		if agent != 0 && ts.ID == agent {
			return nil
		}
		td := ThreadDescriptor{
			ID:    ts.ID,
			State: classify(ts.Why, ts.What),
			Why:   ts.Why,
			What:  ts.What,
		}
		spec, err := e.lookup.LookupSpecifics(mem, ts.Context)
		if err != nil && !errors.Is(err, ErrSpecificsNotFound) {
			log.Debugf("thread %d: specifics lookup at sp=%#x: %v", ts.ID, ts.Context.SP, err)
		}
		if err == nil {
			td.ThreadSpecifics = spec
		}
		log.Debugf("gathered thread[id=%d, state=%v, stackBase=%#x, stackEnd=%#x, stackSize=%d, triggered=%#x, enabled=%#x, disabled=%#x]",
			td.ID, td.State, td.StackBase, td.StackBase+td.StackSize, td.StackSize,
			td.TriggeredLocals, td.EnabledLocals, td.DisabledLocals)
		e.reporter.ReportThread(td)
		count++
		return nil
	})
	if err != nil {
		log.Errorf("error iterating over threads of process %d: %v", p.Pid(), err)
	}
	return count
}

// GatherThreads is a one shot enumeration collecting the descriptors into a
// slice.
func (c *Controller) GatherThreads(h *Handle, lookup SpecificsLookup) []ThreadDescriptor {
	var tds []ThreadDescriptor
	NewThreadEnumerator(c, ThreadReporterFunc(func(td ThreadDescriptor) {
		tds = append(tds, td)
	}), lookup).Gather(h)
	return tds
}
