package native

import (
	"fmt"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

const numDebugRegs = 4

// debugRegisters is the image of the x86 debug registers DR0-DR3, DR6 and
// DR7, see Intel 64 and IA-32 Architectures Software Developer's Manual,
// Vol. 3B, section 17.2.
type debugRegisters struct {
	addrs    [numDebugRegs]uint64
	dr6, dr7 uint64
}

// access types in the R/W field of DR7
const (
	rwExec  = 0x0
	rwWrite = 0x1
	rwRW    = 0x3
)

func lenrwBitsOffset(idx int) uint {
	return uint(16 + idx*4)
}

func enableBitOffset(idx int) uint {
	return uint(idx * 2)
}

// watchSlot is one debug register worth of a watch area.
type watchSlot struct {
	addr uint64
	size int
	rw   uint64
}

func (drs *debugRegisters) slot(idx int) (s watchSlot, ok bool) {
	if drs.dr7&(1<<enableBitOffset(idx)) == 0 {
		return watchSlot{}, false
	}
	lenrw := (drs.dr7 >> lenrwBitsOffset(idx)) & 0xf
	s.addr = drs.addrs[idx]
	s.rw = lenrw & 0x3
	switch lenrw >> 2 {
	case 0x0:
		s.size = 1
	case 0x1:
		s.size = 2
	case 0x2:
		s.size = 8 // sic
	case 0x3:
		s.size = 4
	}
	return s, true
}

// set programs debug register idx with s.
func (drs *debugRegisters) set(idx int, s watchSlot) error {
	if idx >= numDebugRegs {
		return target.ErrNoWatchSlot
	}
	lenrw := s.rw
	switch s.size {
	case 1:
		// already ok
	case 2:
		lenrw |= 0x1 << 2
	case 4:
		lenrw |= 0x3 << 2
	case 8:
		lenrw |= 0x2 << 2
	default:
		return fmt.Errorf("data watch point of size %d not supported", s.size)
	}
	drs.addrs[idx] = s.addr
	drs.dr7 &^= 0xf << lenrwBitsOffset(idx) // clear old settings
	drs.dr7 |= lenrw << lenrwBitsOffset(idx)
	drs.dr7 |= 1 << enableBitOffset(idx) // enable
	return nil
}

// hit returns the slot whose condition was met and resets the condition
// flags.
func (drs *debugRegisters) hit() (idx int, ok bool) {
	for idx := 0; idx < numDebugRegs; idx++ {
		if drs.dr7&(1<<enableBitOffset(idx)) == 0 {
			continue
		}
		if drs.dr6&(1<<uint(idx)) != 0 {
			drs.dr6 &^= 0xf
			return idx, true
		}
	}
	return 0, false
}

// splitWatch breaks w into naturally aligned slots of at most 8 bytes.
func splitWatch(w target.Watch) ([]watchSlot, error) {
	if w.Size == 0 {
		return nil, fmt.Errorf("invalid watch size %d", w.Size)
	}
	if w.Exec {
		if w.Read || w.Write {
			return nil, fmt.Errorf("execute watch points can not watch data access: %w", target.ErrNotSupported)
		}
		if w.TrapAfter {
			return nil, fmt.Errorf("execute watch points trap before the instruction: %w", target.ErrNotSupported)
		}
		return []watchSlot{{addr: w.Addr, size: 1, rw: rwExec}}, nil
	}
	if !w.TrapAfter {
		return nil, fmt.Errorf("data watch points trap after the access: %w", target.ErrNotSupported)
	}

	// there is no read-only condition, reads are watched together with
	// writes
	rw := uint64(rwWrite)
	if w.Read {
		rw = rwRW
	} else if !w.Write {
		return nil, fmt.Errorf("watch point at %#x watches no access", w.Addr)
	}

	var slots []watchSlot
	addr, end := w.Addr, w.Addr+w.Size
	for addr < end {
		sz := 8
		for sz > 1 && (addr%uint64(sz) != 0 || addr+uint64(sz) > end) {
			sz /= 2
		}
		slots = append(slots, watchSlot{addr: addr, size: sz, rw: rw})
		if len(slots) > numDebugRegs {
			return nil, target.ErrNoWatchSlot
		}
		addr += uint64(sz)
	}
	return slots, nil
}

// encodeWatches lays out ws over the debug registers. It fails with
// target.ErrNoWatchSlot when they need more than the available registers.
func encodeWatches(ws []target.Watch) (debugRegisters, error) {
	var drs debugRegisters
	idx := 0
	for _, w := range ws {
		slots, err := splitWatch(w)
		if err != nil {
			return debugRegisters{}, err
		}
		for _, s := range slots {
			if err := drs.set(idx, s); err != nil {
				return debugRegisters{}, err
			}
			idx++
		}
	}
	return drs, nil
}
