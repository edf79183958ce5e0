package target

import (
	"fmt"
	"strconv"

	"github.com/hitzhangjie/teleproc/pkg/logflags"
)

// DefaultAgentPortEnv is the environment variable through which a created
// target learns the port of the inspector it has to rendezvous with.
const DefaultAgentPortEnv = "MAX_AGENT_PORT"

// CreateFailedError is returned by Create when the backend could not spawn
// the process. Reason is the backend's diagnostic text.
type CreateFailedError struct {
	Reason string
}

func (e *CreateFailedError) Error() string {
	return "could not create child process: " + e.Reason
}

// Config configures a Controller. Zero values select the defaults.
type Config struct {
	// Policy computes the trap sets installed before every resume.
	Policy Policy
	// AgentPortEnv overrides DefaultAgentPortEnv.
	AgentPortEnv string
	// Launch is the template for Create; Env is extended with the agent port.
	Launch LaunchOptions
}

// Controller owns the handles of the processes it controls.
type Controller struct {
	backend Backend
	policy  Policy
	portEnv string
	launch  LaunchOptions
	log     logflags.Logger
}

// NewController returns a Controller driving backend.
func NewController(backend Backend, cfg Config) *Controller {
	c := &Controller{
		backend: backend,
		policy:  cfg.Policy,
		portEnv: cfg.AgentPortEnv,
		launch:  cfg.Launch,
		log:     logflags.TargetLogger(),
	}
	if c.policy == nil {
		c.policy = VMPolicy{}
	}
	if c.portEnv == "" {
		c.portEnv = DefaultAgentPortEnv
	}
	return c
}

// Create spawns argv, exporting agentPort to it.
func (c *Controller) Create(argv []string, agentPort int) (*Handle, error) {
	if len(argv) == 0 {
		return nil, &CreateFailedError{Reason: "empty command line"}
	}
	c.log.Debugf("argv[0]: %s", argv[0])

	opts := c.launch
	opts.Env = append(append([]string{}, opts.Env...), c.portEnv+"="+strconv.Itoa(agentPort))

	p, err := c.backend.Create(argv, opts)
	if err != nil {
		c.log.Errorf("could not create child process: %v", err)
		return nil, &CreateFailedError{Reason: err.Error()}
	}
	h := newHandle(p)
	if p.State() == Stopped {
		h.stops.Inc()
	}
	c.log.Debugf("created process %d as %v, state %v", p.Pid(), h, p.State())
	return h, nil
}

// Attach takes control of the existing process pid.
func (c *Controller) Attach(pid int) (*Handle, error) {
	p, err := c.backend.Grab(pid)
	if err != nil {
		c.log.Errorf("could not attach to process %d: %v", pid, err)
		return nil, fmt.Errorf("could not attach to process %d: %w", pid, err)
	}
	h := newHandle(p)
	if p.State() == Stopped {
		h.stops.Inc()
	}
	c.log.Debugf("attached process %d as %v, state %v", pid, h, p.State())
	return h, nil
}

// State returns the current state of the process behind h.
func (c *Controller) State(h *Handle) ProcessState {
	p := h.get()
	if p == nil {
		return Uninitialized
	}
	return p.State()
}

// proc returns the process behind h, logging when h is unusable.
func (c *Controller) proc(h *Handle, op string) Proc {
	p := h.get()
	if p == nil {
		c.log.Errorf("%s: %v: %v", op, h, ErrHandleReleased)
	}
	return p
}

// Kill forcibly terminates the target unless it already reached a terminal
// state. The handle is invalid afterwards.
func (c *Controller) Kill(h *Handle) {
	p := h.get()
	if p == nil || !h.release() {
		return
	}
	if p.State().Terminal() {
		return
	}
	if err := p.Release(true); err != nil {
		c.log.Errorf("could not kill process %d: %v, state %v", p.Pid(), err, p.State())
	}
}

// Release gives up control of the target leaving it running. The handle is
// invalid afterwards.
func (c *Controller) Release(h *Handle) {
	p := h.get()
	if p == nil || !h.release() {
		return
	}
	if err := p.Release(false); err != nil {
		c.log.Errorf("could not release process %d: %v, state %v", p.Pid(), err, p.State())
	}
}

// Suspend asks the target to halt. It returns false if the stop request
// failed; the state of the target is then unspecified. A target that already
// exited is skipped silently and also yields false.
func (c *Controller) Suspend(h *Handle) bool {
	p := c.proc(h, "suspend")
	if p == nil {
		return false
	}
	if p.State().Terminal() {
		return false
	}
	if err := p.Stop(); err != nil {
		c.log.Errorf("cannot stop process %d: %v", p.Pid(), err)
		return false
	}
	h.stops.Inc()
	return true
}

// Resume installs the trap policy and continues the target. Steps that
// succeeded before a failing one are not undone; callers re-query State
// after a false result.
func (c *Controller) Resume(h *Handle) bool {
	return c.ResumeWith(h, c.policy.TrapPolicy())
}

// ResumeWith is Resume with an explicit trap policy.
func (c *Controller) ResumeWith(h *Handle, tp TrapPolicy) bool {
	p := c.proc(h, "resume")
	if p == nil {
		return false
	}
	if p.State().Terminal() {
		return false
	}
	c.log.Debugf("resume process %d with %v", p.Pid(), tp)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"set sysentry", func() error { return p.SetSyscallEntry(tp.SyscallEntry) }},
		{"set sysexit", func() error { return p.SetSyscallExit(tp.SyscallExit) }},
		{"set signals", func() error { return p.SetSignals(tp.Signals) }},
		{"set faults", func() error { return p.SetFaults(tp.Faults) }},
		{"clear fault", p.ClearFault},
		{"clear signal", p.ClearSignal},
		{"sync", p.Sync},
		{"run", p.Run},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			c.log.Errorf("resume: %s failed: %v, state %v", step.name, err, p.State())
			return false
		}
	}
	return true
}

// Wait blocks until the target's status changes, then clears the pending
// fault and signal so the next resume starts clean.
func (c *Controller) Wait(h *Handle) bool {
	p := c.proc(h, "wait")
	if p == nil {
		return false
	}
	if err := p.Wait(); err != nil {
		c.log.Errorf("wait: wait failed: %v, state %v", err, p.State())
		return false
	}
	if p.State().Terminal() {
		c.log.Debugf("wait: process %d is %v", p.Pid(), p.State())
		return true
	}
	h.stops.Inc()
	if err := p.ClearFault(); err != nil {
		c.log.Errorf("wait: clear fault failed: %v, state %v", err, p.State())
		return false
	}
	if err := p.ClearSignal(); err != nil {
		c.log.Errorf("wait: clear signal failed: %v, state %v", err, p.State())
		return false
	}
	if err := p.Sync(); err != nil {
		c.log.Errorf("wait: sync failed: %v, state %v", err, p.State())
		return false
	}
	return true
}
