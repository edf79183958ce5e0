package debug

import (
	"sort"

	"go.uber.org/atomic"
)

var (
	wpSeqNo = atomic.NewUint64(0)
)

// Watchpoint 观察点信息
type Watchpoint struct {
	ID   uint64 // 观察点编号
	Addr uint64 // 起始地址
	Size uint64 // 观察范围大小
}

// Watchpoints 所有的观察点信息
type Watchpoints []*Watchpoint

func (w Watchpoints) Len() int           { return len(w) }
func (w Watchpoints) Less(i, j int) bool { return w[i].ID < w[j].ID }
func (w Watchpoints) Swap(i, j int)      { w[i], w[j] = w[j], w[i] }

type watchKey struct {
	addr, size uint64
}

// watchTable 记录会话中激活的观察点，观察点本身由目标进程维护
type watchTable struct {
	byArea map[watchKey]*Watchpoint
}

func newWatchTable() *watchTable {
	return &watchTable{byArea: map[watchKey]*Watchpoint{}}
}

func (t *watchTable) add(addr, size uint64) *Watchpoint {
	wp := &Watchpoint{ID: wpSeqNo.Add(1), Addr: addr, Size: size}
	t.byArea[watchKey{addr, size}] = wp
	return wp
}

func (t *watchTable) has(addr, size uint64) bool {
	_, ok := t.byArea[watchKey{addr, size}]
	return ok
}

func (t *watchTable) remove(addr, size uint64) *Watchpoint {
	k := watchKey{addr, size}
	wp := t.byArea[k]
	delete(t.byArea, k)
	return wp
}

func (t *watchTable) find(id uint64) *Watchpoint {
	for _, wp := range t.byArea {
		if wp.ID == id {
			return wp
		}
	}
	return nil
}

func (t *watchTable) list() Watchpoints {
	wps := make(Watchpoints, 0, len(t.byArea))
	for _, wp := range t.byArea {
		wps = append(wps, wp)
	}
	sort.Sort(wps)
	return wps
}

func (t *watchTable) reset() {
	t.byArea = map[watchKey]*Watchpoint{}
}
