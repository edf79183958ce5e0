package target

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// FaultID identifies a machine fault the target can stop on.
type FaultID int

const (
	FaultIllegal     FaultID = iota + 1 // illegal instruction
	FaultPrivileged                     // privileged instruction
	FaultBreakpoint                     // breakpoint trap
	FaultTrace                          // single-step trace trap
	FaultAccess                         // memory access fault
	FaultBounds                         // memory bounds violation
	FaultIntOverflow                    // integer overflow
	FaultIntDivide                      // integer divide by zero
	FaultFloat                          // floating point exception
	FaultStack                          // unrecoverable stack fault
	FaultPage                           // recoverable page fault
	FaultWatch                          // watchpoint trap

	maxFault = FaultWatch
)

var faultNames = map[FaultID]string{
	FaultIllegal:     "illegal",
	FaultPrivileged:  "privileged",
	FaultBreakpoint:  "breakpoint",
	FaultTrace:       "trace",
	FaultAccess:      "access",
	FaultBounds:      "bounds",
	FaultIntOverflow: "overflow",
	FaultIntDivide:   "divide",
	FaultFloat:       "float",
	FaultStack:       "stack",
	FaultPage:        "page",
	FaultWatch:       "watch",
}

func (f FaultID) String() string {
	if s, ok := faultNames[f]; ok {
		return s
	}
	return fmt.Sprintf("fault(%d)", int(f))
}

// ParseFault returns the FaultID named s, as printed by FaultID.String.
func ParseFault(s string) (FaultID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for id, name := range faultNames {
		if name == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown fault %q", s)
}

// FaultSet is a set of faults, the zero value is the empty set.
type FaultSet uint32

func (s *FaultSet) Add(f FaultID) {
	if f > 0 && f <= maxFault {
		*s |= 1 << uint(f)
	}
}

func (s *FaultSet) Del(f FaultID) {
	*s &^= 1 << uint(f)
}

func (s FaultSet) Has(f FaultID) bool {
	return f > 0 && f <= maxFault && s&(1<<uint(f)) != 0
}

func (s FaultSet) Empty() bool {
	return s == 0
}

// Faults lists the members of s in ascending order.
func (s FaultSet) Faults() []FaultID {
	var r []FaultID
	for f := FaultID(1); f <= maxFault; f++ {
		if s.Has(f) {
			r = append(r, f)
		}
	}
	return r
}

func (s FaultSet) String() string {
	names := []string{}
	for _, f := range s.Faults() {
		names = append(names, f.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// SignalSet is a set of signal numbers 1..64.
type SignalSet uint64

func (s *SignalSet) Add(sig int) {
	if sig >= 1 && sig <= 64 {
		*s |= 1 << uint(sig-1)
	}
}

func (s *SignalSet) Del(sig int) {
	if sig >= 1 && sig <= 64 {
		*s &^= 1 << uint(sig-1)
	}
}

func (s SignalSet) Has(sig int) bool {
	return sig >= 1 && sig <= 64 && s&(1<<uint(sig-1)) != 0
}

func (s SignalSet) Empty() bool {
	return s == 0
}

func (s SignalSet) Len() int {
	return bits.OnesCount64(uint64(s))
}

const maxSyscall = 512

// SyscallSet is a set of system call numbers below 512.
type SyscallSet [maxSyscall / 64]uint64

func (s *SyscallSet) Add(nr int) {
	if nr >= 0 && nr < maxSyscall {
		s[nr/64] |= 1 << uint(nr%64)
	}
}

func (s *SyscallSet) Del(nr int) {
	if nr >= 0 && nr < maxSyscall {
		s[nr/64] &^= 1 << uint(nr%64)
	}
}

func (s *SyscallSet) Has(nr int) bool {
	return nr >= 0 && nr < maxSyscall && s[nr/64]&(1<<uint(nr%64)) != 0
}

func (s *SyscallSet) Empty() bool {
	for _, w := range s {
		if w != 0 {
			return false
		}
	}
	return true
}

// TrapPolicy is everything that decides which events stop a running target.
// It is installed as a whole before every run request.
type TrapPolicy struct {
	Faults       FaultSet
	Signals      SignalSet
	SyscallEntry SyscallSet
	SyscallExit  SyscallSet
}

func (p TrapPolicy) String() string {
	return fmt.Sprintf("faults=%v signals=%d sysentry=%v sysexit=%v",
		p.Faults, p.Signals.Len(), !p.SyscallEntry.Empty(), !p.SyscallExit.Empty())
}

// Policy computes the TrapPolicy for the next resume.
type Policy interface {
	TrapPolicy() TrapPolicy
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func() TrapPolicy

func (f PolicyFunc) TrapPolicy() TrapPolicy {
	return f()
}

// vmFaults are the faults a VM-level inspector needs to see. Access, bounds,
// integer divide and page faults are left to the target's own handlers.
var vmFaults = []FaultID{
	FaultIllegal,
	FaultPrivileged,
	FaultBreakpoint,
	FaultTrace,
	FaultIntOverflow,
	FaultFloat,
	FaultStack,
	FaultWatch,
}

// VMPolicy traps the faults needed for breakpoint and watchpoint support and
// nothing else: no signals, no system call boundaries.
type VMPolicy struct {
	// Extra faults trapped in addition to the default ones.
	Extra []FaultID
}

func (p VMPolicy) TrapPolicy() TrapPolicy {
	var tp TrapPolicy
	for _, f := range vmFaults {
		tp.Faults.Add(f)
	}
	for _, f := range p.Extra {
		tp.Faults.Add(f)
	}
	return tp
}

// NewVMPolicy builds a VMPolicy from fault names, e.g. from configuration.
func NewVMPolicy(extra []string) (VMPolicy, error) {
	var p VMPolicy
	for _, name := range extra {
		if strings.TrimSpace(name) == "" {
			continue
		}
		f, err := ParseFault(name)
		if err != nil {
			return VMPolicy{}, err
		}
		p.Extra = append(p.Extra, f)
	}
	sort.Slice(p.Extra, func(i, j int) bool { return p.Extra[i] < p.Extra[j] })
	return p, nil
}
