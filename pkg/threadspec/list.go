package threadspec

import (
	"encoding/binary"
	"fmt"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

const (
	wordSize = 8
	nodeSize = 6 * wordSize

	// DefaultMaxNodes bounds a list walk, a list longer than this is
	// assumed to be corrupt or cyclic.
	DefaultMaxNodes = 1 << 14
)

// Node layout, one little endian word each.
const (
	offStackBase = iota * wordSize
	offStackSize
	offTriggered
	offEnabled
	offDisabled
	offNext
)

// ListLookup finds the specifics of a thread in the VM's thread specifics
// list. Head is the address of the word holding the first node, each node
// is {stackBase, stackSize, triggered, enabled, disabled, next}. The entry
// whose stack contains the stack pointer of the thread wins.
type ListLookup struct {
	Head     uint64
	MaxNodes int
}

func (l ListLookup) LookupSpecifics(mem target.Memory, ctx target.ThreadContext) (target.ThreadSpecifics, error) {
	if l.Head == 0 {
		return target.ThreadSpecifics{}, target.ErrSpecificsNotFound
	}
	max := l.MaxNodes
	if max <= 0 {
		max = DefaultMaxNodes
	}

	word := make([]byte, wordSize)
	if _, err := mem.ReadMemory(l.Head, word); err != nil {
		return target.ThreadSpecifics{}, fmt.Errorf("read list head at %#x: %w", l.Head, err)
	}
	node := make([]byte, nodeSize)
	for addr, n := binary.LittleEndian.Uint64(word), 0; addr != 0; n++ {
		if n == max {
			return target.ThreadSpecifics{}, fmt.Errorf("thread specifics list at %#x longer than %d entries", l.Head, max)
		}
		if _, err := mem.ReadMemory(addr, node); err != nil {
			return target.ThreadSpecifics{}, fmt.Errorf("read list node at %#x: %w", addr, err)
		}
		ts := target.ThreadSpecifics{
			StackBase:       binary.LittleEndian.Uint64(node[offStackBase:]),
			StackSize:       binary.LittleEndian.Uint64(node[offStackSize:]),
			TriggeredLocals: binary.LittleEndian.Uint64(node[offTriggered:]),
			EnabledLocals:   binary.LittleEndian.Uint64(node[offEnabled:]),
			DisabledLocals:  binary.LittleEndian.Uint64(node[offDisabled:]),
		}
		if ctx.SP >= ts.StackBase && ctx.SP-ts.StackBase < ts.StackSize {
			return ts, nil
		}
		addr = binary.LittleEndian.Uint64(node[offNext:])
	}
	return target.ThreadSpecifics{}, target.ErrSpecificsNotFound
}
