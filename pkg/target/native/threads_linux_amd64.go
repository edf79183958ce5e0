package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

const eflagsResume = 1 << 16 // RF, suppresses instruction breakpoints for one instruction

type nativeThread struct {
	id        int
	running   bool
	fresh     bool // cloned, its initial SIGSTOP was not seen yet
	stopSent  bool // a SIGSTOP sent by us is still to be reported
	inSyscall bool

	why  target.StopWhy
	what int

	sig        int  // signal the thread stopped on, delivered on resume
	sigIsFault bool // sig was raised by a machine fault
	delayed    int  // signal that arrived while halting, delivered on resume
	execWatch  bool // stopped on an execute watch point
}

// context reads the parts of the thread's registers lookups need.
func (t *tracer) context(tid int) (target.ThreadContext, error) {
	var (
		regs sys.PtraceRegs
		err  error
	)
	t.execPtrace(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return target.ThreadContext{}, err
	}
	return target.ThreadContext{PC: regs.Rip, SP: regs.Rsp, TLSBase: regs.Fs_base}, nil
}

// syscallNo returns the system call a thread stopped in.
func (t *tracer) syscallNo(tid int) (int, error) {
	var (
		regs sys.PtraceRegs
		err  error
	)
	t.execPtrace(func() { err = sys.PtraceGetRegs(tid, &regs) })
	return int(regs.Orig_rax), err
}

// setResumeFlag makes the next instruction of tid skip instruction
// breakpoints, so a thread stopped on an execute watch can move past it.
func (t *tracer) setResumeFlag(tid int) error {
	var err error
	t.execPtrace(func() {
		var regs sys.PtraceRegs
		if err = sys.PtraceGetRegs(tid, &regs); err != nil {
			return
		}
		regs.Eflags |= eflagsResume
		err = sys.PtraceSetRegs(tid, &regs)
	})
	return err
}

// withDebugRegisters reads the debug registers of tid, passes them to f and
// writes them back if f changed them.
func (t *tracer) withDebugRegisters(tid int, f func(drs *debugRegisters) bool) error {
	var err error
	t.execPtrace(func() {
		var drs debugRegisters
		drs, err = peekDebugRegs(tid)
		if err != nil {
			return
		}
		if f(&drs) {
			err = pokeDebugReg(tid, 6, drs.dr6)
		}
	})
	if err == sys.ESRCH {
		err = nil
	}
	return err
}

func (t *tracer) installDebugRegisters(tid int, drs debugRegisters) error {
	var err error
	t.execPtrace(func() { err = pokeDebugRegs(tid, drs) })
	if err == sys.ESRCH {
		err = nil
	}
	return err
}
