package target

// WatchpointSpec describes a data watchpoint over [Address, Address+Size).
type WatchpointSpec struct {
	Address   uint64
	Size      uint64
	OnRead    bool
	OnWrite   bool
	OnExec    bool
	TrapAfter bool // trap once the access completed, not before it
}

func (w WatchpointSpec) watch() Watch {
	return Watch{
		Addr:      w.Address,
		Size:      w.Size,
		Read:      w.OnRead,
		Write:     w.OnWrite,
		Exec:      w.OnExec,
		TrapAfter: w.TrapAfter,
	}
}

// ActivateWatchpoint installs a watchpoint that traps right after any write
// to [address, address+size). It returns false if the backend refused it,
// e.g. because no watch slot is free.
func (c *Controller) ActivateWatchpoint(h *Handle, address, size uint64) bool {
	return c.SetWatchpoint(h, WatchpointSpec{
		Address:   address,
		Size:      size,
		OnWrite:   true,
		TrapAfter: true,
	})
}

// DeactivateWatchpoint removes the write watchpoint installed by
// ActivateWatchpoint for the same range.
func (c *Controller) DeactivateWatchpoint(h *Handle, address, size uint64) bool {
	return c.ClearWatchpoint(h, WatchpointSpec{
		Address:   address,
		Size:      size,
		OnWrite:   true,
		TrapAfter: true,
	})
}

// SetWatchpoint installs w and syncs the target so the new watch
// configuration applies to every later stop.
func (c *Controller) SetWatchpoint(h *Handle, w WatchpointSpec) bool {
	p := c.proc(h, "set watchpoint")
	if p == nil {
		return false
	}
	if err := p.SetWatch(w.watch()); err != nil {
		c.log.Errorf("could not set watch point at %#x size %d - error: %v", w.Address, w.Size, err)
		return false
	}
	if err := p.Sync(); err != nil {
		c.log.Errorf("set watch point: sync failed: %v", err)
		return false
	}
	return true
}

// ClearWatchpoint removes w.
func (c *Controller) ClearWatchpoint(h *Handle, w WatchpointSpec) bool {
	p := c.proc(h, "clear watchpoint")
	if p == nil {
		return false
	}
	if err := p.ClearWatch(w.watch()); err != nil {
		c.log.Errorf("could not clear watch point at %#x size %d - error: %v", w.Address, w.Size, err)
		return false
	}
	if err := p.Sync(); err != nil {
		c.log.Errorf("clear watch point: sync failed: %v", err)
		return false
	}
	return true
}
