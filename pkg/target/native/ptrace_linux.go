//go:build linux && amd64

package native

import (
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// tracer runs every ptrace request of a backend on the same OS thread.
type tracer struct {
	once       sync.Once
	ptraceCh   chan func() // ptrace请求统一发送到这里，由专门协程处理
	ptraceDone chan int    // ptrace请求完成
	stopCh     chan int    // 通知需要停止调试
}

func newTracer() *tracer {
	return &tracer{
		ptraceCh:   make(chan func()),
		ptraceDone: make(chan int),
		stopCh:     make(chan int),
	}
}

func (t *tracer) execPtrace(fn func()) {
	t.once.Do(func() {
		go func() {
			// ensure all ptrace requests goes via the same tracer (thread)
			//
			// issue: https://github.com/golang/go/issues/7699
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-t.ptraceCh:
					reqFn()
					t.ptraceDone <- 1
				case <-t.stopCh:
					return
				}
			}
		}()
	})
	t.ptraceCh <- fn
	<-t.ptraceDone
}

func (t *tracer) stop() {
	close(t.stopCh)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceSyscall executes ptrace PTRACE_SYSCALL
func ptraceSyscall(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SYSCALL, uintptr(tid), 0, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// siginfo is the leading part of the kernel's siginfo_t on amd64.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64 // si_addr for SIGILL, SIGFPE, SIGSEGV, SIGBUS and SIGTRAP
	_     [104]byte
}

// ptraceGetSiginfo calls ptrace(PTRACE_GETSIGINFO).
func ptraceGetSiginfo(tid int) (siginfo, error) {
	var si siginfo
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if err != syscall.Errno(0) {
		return si, err
	}
	return si, nil
}

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

func debugRegOffset(i int) uintptr {
	return uintptr(debugRegUserOffset + i*8)
}

// peekDebugRegs reads DR0-DR3, DR6 and DR7 of tid.
func peekDebugRegs(tid int) (debugRegisters, error) {
	var drs debugRegisters
	regs := [8]uint64{}
	for i := range regs {
		if i == 4 || i == 5 {
			// Linux will return EIO for DR4 and DR5
			continue
		}
		_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), debugRegOffset(i), uintptr(unsafe.Pointer(&regs[i])), 0, 0)
		if err != syscall.Errno(0) {
			return drs, err
		}
	}
	copy(drs.addrs[:], regs[:numDebugRegs])
	drs.dr6, drs.dr7 = regs[6], regs[7]
	return drs, nil
}

func pokeDebugReg(tid, i int, v uint64) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), debugRegOffset(i), uintptr(v), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// pokeDebugRegs installs drs on tid. DR7 is disabled while the addresses
// change, the kernel validates every DR7 write against them.
func pokeDebugRegs(tid int, drs debugRegisters) error {
	if err := pokeDebugReg(tid, 7, 0); err != nil {
		return err
	}
	for i, addr := range drs.addrs {
		if err := pokeDebugReg(tid, i, addr); err != nil {
			return err
		}
	}
	if err := pokeDebugReg(tid, 6, drs.dr6); err != nil {
		return err
	}
	return pokeDebugReg(tid, 7, drs.dr7)
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(tid int, addr uintptr, data []byte) (int, error) {
	len_iov := uint64(len(data))
	local_iov := sys.Iovec{Base: &data[0], Len: len_iov}
	remote_iov := remoteIovec{base: addr, len: uintptr(len_iov)}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), uintptr(unsafe.Pointer(&local_iov)), 1, uintptr(unsafe.Pointer(&remote_iov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// processVmWrite calls process_vm_writev
func processVmWrite(tid int, addr uintptr, data []byte) (int, error) {
	len_iov := uint64(len(data))
	local_iov := sys.Iovec{Base: &data[0], Len: len_iov}
	remote_iov := remoteIovec{base: addr, len: uintptr(len_iov)}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_WRITEV, uintptr(tid), uintptr(unsafe.Pointer(&local_iov)), 1, uintptr(unsafe.Pointer(&remote_iov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
