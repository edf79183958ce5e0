package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	sys "golang.org/x/sys/unix"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

func TestMachineFault(t *testing.T) {
	tests := []struct {
		name  string
		m     machineFault
		want  target.FaultID
		fault bool
	}{
		{"int3", machineFault{sig: int(sys.SIGTRAP), code: siKernel}, target.FaultBreakpoint, true},
		{"brkpt", machineFault{sig: int(sys.SIGTRAP), code: trapBrkpt}, target.FaultBreakpoint, true},
		{"single step", machineFault{sig: int(sys.SIGTRAP), code: trapTrace}, target.FaultTrace, true},
		{"data watch", machineFault{sig: int(sys.SIGTRAP), code: trapHwbkpt, dr6: 0x1}, target.FaultWatch, true},
		{"hw single step", machineFault{sig: int(sys.SIGTRAP), code: trapHwbkpt, dr6: dr6SingleStep}, target.FaultTrace, true},
		{"user sigtrap", machineFault{sig: int(sys.SIGTRAP), code: 0}, 0, false},
		{"tgkill sigsegv", machineFault{sig: int(sys.SIGSEGV), code: -6}, 0, false},
		{"ud2", machineFault{sig: int(sys.SIGILL), code: 2}, target.FaultIllegal, true},
		{"privileged opcode", machineFault{sig: int(sys.SIGILL), code: illPrvopc}, target.FaultPrivileged, true},
		{"gp fault", machineFault{sig: int(sys.SIGSEGV), code: siKernel}, target.FaultPrivileged, true},
		{"div by zero", machineFault{sig: int(sys.SIGFPE), code: fpeIntdiv}, target.FaultIntDivide, true},
		{"into", machineFault{sig: int(sys.SIGFPE), code: fpeIntovf}, target.FaultIntOverflow, true},
		{"fp inexact", machineFault{sig: int(sys.SIGFPE), code: 6}, target.FaultFloat, true},
		{"bounds", machineFault{sig: int(sys.SIGSEGV), code: segvBnderr}, target.FaultBounds, true},
		{"null deref", machineFault{sig: int(sys.SIGSEGV), code: 1, addr: 0, sp: 0x7ffc0000}, target.FaultAccess, true},
		{"stack overflow", machineFault{sig: int(sys.SIGSEGV), code: 1, addr: 0x7ffbfff8, sp: 0x7ffc0000}, target.FaultStack, true},
		{"bus error", machineFault{sig: int(sys.SIGBUS), code: 2}, target.FaultAccess, true},
		{"sigterm", machineFault{sig: int(sys.SIGTERM), code: 0}, 0, false},
		{"sigchld", machineFault{sig: int(sys.SIGCHLD), code: 1}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.m.fault()
			assert.Equal(t, tt.fault, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobControl(t *testing.T) {
	assert.True(t, jobControl(int(sys.SIGTSTP)))
	assert.False(t, jobControl(int(sys.SIGCONT)))
}
