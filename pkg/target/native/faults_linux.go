//go:build linux

package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

// si_code values, see include/uapi/asm-generic/siginfo.h
const (
	siKernel = 0x80

	trapBrkpt  = 1
	trapTrace  = 2
	trapHwbkpt = 4

	illPrvopc = 5
	illPrvreg = 6

	fpeIntdiv = 1
	fpeIntovf = 2

	segvBnderr = 3
)

const (
	dr6SingleStep = 1 << 14
	stackSlack    = 4096
)

// machineFault is what the kernel told us about a signal that stopped a
// thread.
type machineFault struct {
	sig  int
	code int32
	addr uint64 // si_addr
	sp   uint64 // stack pointer of the thread
	dr6  uint64 // debug status, only read for hardware traps
}

// fault maps a signal to the machine fault that raised it. Signals sent by a
// process (kill, tgkill, sigqueue) carry a non-positive code and are never
// faults.
func (m machineFault) fault() (target.FaultID, bool) {
	if m.code <= 0 {
		return 0, false
	}
	switch sys.Signal(m.sig) {
	case sys.SIGTRAP:
		switch m.code {
		case siKernel, trapBrkpt:
			return target.FaultBreakpoint, true
		case trapTrace:
			return target.FaultTrace, true
		case trapHwbkpt:
			if m.dr6&dr6SingleStep != 0 {
				return target.FaultTrace, true
			}
			return target.FaultWatch, true
		}
	case sys.SIGILL:
		if m.code == illPrvopc || m.code == illPrvreg {
			return target.FaultPrivileged, true
		}
		return target.FaultIllegal, true
	case sys.SIGFPE:
		switch m.code {
		case fpeIntdiv:
			return target.FaultIntDivide, true
		case fpeIntovf:
			return target.FaultIntOverflow, true
		}
		return target.FaultFloat, true
	case sys.SIGSEGV:
		switch {
		case m.code == siKernel:
			// general protection, e.g. a privileged instruction in user mode
			return target.FaultPrivileged, true
		case m.code == segvBnderr:
			return target.FaultBounds, true
		case m.sp != 0 && m.addr < m.sp && m.sp-m.addr <= stackSlack:
			return target.FaultStack, true
		}
		return target.FaultAccess, true
	case sys.SIGBUS:
		return target.FaultAccess, true
	}
	return 0, false
}

// jobControl reports whether sig stops a process by default.
func jobControl(sig int) bool {
	switch sys.Signal(sig) {
	case sys.SIGSTOP, sys.SIGTSTP, sys.SIGTTIN, sys.SIGTTOU:
		return true
	}
	return false
}
