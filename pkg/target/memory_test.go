package target_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/teleproc/pkg/target"
	"github.com/hitzhangjie/teleproc/pkg/target/simproc"
)

func TestReadWriteBytes(t *testing.T) {
	c, h, p := newTarget(t)
	p.Map(0x10000, 0x1000, true)

	src := []byte("xx hello, vm xx")
	n := c.WriteBytes(h, 0x10010, src, 3, 9)
	require.Equal(t, 9, n)

	dst := bytes.Repeat([]byte{'.'}, 12)
	n = c.ReadBytes(h, 0x10010, dst, 2, 9)
	require.Equal(t, 9, n)
	assert.Equal(t, "..hello, vm.", string(dst))
}

func TestReadBytesPartial(t *testing.T) {
	c, h, p := newTarget(t)
	p.Map(0x20000, 0x1000, false)
	p.Poke(0x20ff8, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	dst := make([]byte, 16)
	n := c.ReadBytes(h, 0x20ff8, dst, 0, 16)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 0, 0, 0, 0}, dst)

	assert.Equal(t, 0, c.ReadBytes(h, 0x90000, dst, 0, 16))
}

func TestReadBytesLarge(t *testing.T) {
	c, h, p := newTarget(t)
	p.Map(0x100000, 0x10000, true)
	data := bytes.Repeat([]byte{0xab, 0xcd}, 0x4000)
	p.Poke(0x100000, data)

	dst := make([]byte, len(data))
	assert.Equal(t, len(data), c.ReadBytes(h, 0x100000, dst, 0, len(dst)))
	assert.Equal(t, data, dst)
}

func TestBytesInvalidRange(t *testing.T) {
	captureLogs(t)
	c, h, p := newTarget(t)
	p.Map(0x10000, 0x1000, true)
	p.ResetCalls()

	buf := make([]byte, 8)
	for _, tc := range []struct {
		name           string
		offset, length int
	}{
		{"negative offset", -1, 4},
		{"negative length", 0, -4},
		{"offset past end", 9, 0},
		{"length past end", 4, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, -1, c.ReadBytes(h, 0x10000, buf, tc.offset, tc.length))
			assert.Equal(t, -1, c.WriteBytes(h, 0x10000, buf, tc.offset, tc.length))
		})
	}
	// the target was never touched
	assert.Empty(t, p.Calls())

	assert.Equal(t, 0, c.ReadBytes(h, 0x10000, buf, 8, 0))
	assert.Equal(t, 0, c.WriteBytes(h, 0x10000, buf, 8, 0))
}

func TestWriteBytesProtection(t *testing.T) {
	c, h, p := newTarget(t)
	p.Map(0x30000, 0x1000, true)
	p.Map(0x31000, 0x1000, false)

	src := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	assert.Equal(t, 4, c.WriteBytes(h, 0x30ffc, src, 0, len(src)))
	assert.Equal(t, 0, c.WriteBytes(h, 0x50000, src, 0, len(src)))

	dst := make([]byte, 8)
	require.Equal(t, 8, c.ReadBytes(h, 0x30ffc, dst, 0, 8))
	assert.Equal(t, []byte{9, 9, 9, 9, 0, 0, 0, 0}, dst)
}

func TestMemoryBackendFailure(t *testing.T) {
	captureLogs(t)
	c, h, p := newTarget(t)
	p.Map(0x10000, 0x1000, true)
	p.FailOn("ReadAt", simproc.ErrUnmapped)

	assert.Equal(t, 0, c.ReadBytes(h, 0x10000, make([]byte, 4), 0, 4))
	assert.Equal(t, -1, c.ReadBytes(nil, 0x10000, make([]byte, 4), 0, 4))
	assert.Equal(t, -1, c.WriteBytes(&target.Handle{}, 0x10000, make([]byte, 4), 0, 4))
}
