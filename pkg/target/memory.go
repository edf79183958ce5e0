package target

import (
	"sync"
)

// transfer buffers are pooled by size class so that large transfers do not
// pin large buffers for small ones.
const minBufShift = 6 // 64 bytes

var bufPools [32]sync.Pool

func bufClass(n int) int {
	c := minBufShift
	for (1<<uint(c)) < n && c < len(bufPools)-1 {
		c++
	}
	return c
}

// getBuf returns a transfer buffer of exactly n bytes and the function that
// gives it back.
func getBuf(n int) ([]byte, func()) {
	c := bufClass(n)
	if 1<<uint(c) < n {
		return make([]byte, n), func() {}
	}
	var b []byte
	if v := bufPools[c].Get(); v != nil {
		b = *(v.(*[]byte))
	} else {
		b = make([]byte, 1<<uint(c))
	}
	return b[:n], func() {
		b = b[:cap(b)]
		bufPools[c].Put(&b)
	}
}

func validRange(buf []byte, offset, length int) bool {
	return offset >= 0 && length >= 0 && offset <= len(buf) && length <= len(buf)-offset
}

// ReadBytes reads up to length bytes of target memory at address into
// dst[offset:]. It returns the number of bytes read, which is short when the
// range is only partially readable, or -1 when the read could not be
// attempted. The target must be stopped.
func (c *Controller) ReadBytes(h *Handle, address uint64, dst []byte, offset, length int) int {
	p := c.proc(h, "read")
	if p == nil {
		return -1
	}
	if !validRange(dst, offset, length) {
		c.log.Errorf("read: invalid destination range offset=%d length=%d size=%d", offset, length, len(dst))
		return -1
	}
	if length == 0 {
		return 0
	}

	buf, put := getBuf(length)
	defer put()

	n, err := p.ReadAt(buf, address)
	if err != nil {
		c.log.Debugf("read %d bytes at %#x: %v (%d transferred)", length, address, err, n)
	}
	if n > length {
		n = length
	}
	if n > 0 {
		copy(dst[offset:offset+n], buf[:n])
	}
	if n < 0 {
		n = 0
	}
	return n
}

// WriteBytes writes src[offset:offset+length] to target memory at address.
// It returns the number of bytes written, or -1 when the source range is
// invalid or the handle unusable; in that case the target is not touched.
// The target must be stopped.
func (c *Controller) WriteBytes(h *Handle, address uint64, src []byte, offset, length int) int {
	p := c.proc(h, "write")
	if p == nil {
		return -1
	}
	if !validRange(src, offset, length) {
		c.log.Errorf("write: failed to copy %d bytes from source at offset %d (size %d)", length, offset, len(src))
		return -1
	}
	if length == 0 {
		return 0
	}

	buf, put := getBuf(length)
	defer put()
	copy(buf, src[offset:offset+length])

	n, err := p.WriteAt(buf, address)
	if err != nil {
		c.log.Debugf("write %d bytes at %#x: %v (%d transferred)", length, address, err, n)
	}
	if n < 0 {
		n = 0
	}
	return n
}
