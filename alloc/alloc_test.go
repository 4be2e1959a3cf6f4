package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyfs/tefs/disk"
	"github.com/tinyfs/tefs/errors"
	"github.com/tinyfs/tefs/super"
)

func mkTestAlloc(t *testing.T, numPages uint32) (*Alloc, disk.Dev, *super.Geometry) {
	g, err := super.MkGeometry(super.Params{
		NumPages:        numPages,
		PageSize:        512,
		BlockSize:       8,
		HashSize:        4,
		MetadataSize:    32,
		MaxFileNameSize: 12,
	})
	require.NoError(t, err)
	dev := disk.NewMemDev(numPages, 512)
	require.NoError(t, InitStateSection(dev, g, 4))
	a, err := MkAlloc(dev, g)
	require.NoError(t, err)
	return a, dev, g
}

func TestInitStateSection(t *testing.T) {
	assert := assert.New(t)
	_, dev, g := mkTestAlloc(t, 1000)

	buf := make([]byte, g.PageSize)
	require.NoError(t, dev.Read(super.InfoSectionSize, buf, 0))

	// four format-time blocks in use, MSB first
	assert.Equal(byte(0x0F), buf[0])
	for i := uint32(1); i < g.StateSectionBytes; i++ {
		assert.Equal(byte(0xFF), buf[i], "byte %d should be all free", i)
	}
	for i := g.StateSectionBytes; i < uint32(g.PageSize); i++ {
		assert.Equal(byte(0), buf[i], "padding byte %d should be zero", i)
	}
}

func TestReserveSequence(t *testing.T) {
	assert := assert.New(t)
	a, _, g := mkTestAlloc(t, 1000)

	for i := uint32(4); i < 8; i++ {
		addr, err := a.Reserve()
		require.NoError(t, err)
		assert.Equal(g.BlockAddr(i), addr)
	}
}

func TestReleaseRewindsCursor(t *testing.T) {
	assert := assert.New(t)
	a, _, g := mkTestAlloc(t, 1000)

	first, err := a.Reserve()
	require.NoError(t, err)
	_, err = a.Reserve()
	require.NoError(t, err)

	require.NoError(t, a.Release(first))
	again, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(first, again, "released block should be handed out first")

	next, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(g.BlockAddr(6), next)
}

func TestReleaseIdempotent(t *testing.T) {
	a, _, _ := mkTestAlloc(t, 1000)
	addr, err := a.Reserve()
	require.NoError(t, err)
	require.NoError(t, a.Release(addr))
	require.NoError(t, a.Release(addr))

	again, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestPoolEmpty(t *testing.T) {
	assert := assert.New(t)
	a, _, g := mkTestAlloc(t, 1000)

	// 15 bitmap bytes track 120 blocks; 4 are taken by format
	total := g.StateSectionBytes * 8
	var last uint32
	for i := uint32(4); i < total; i++ {
		addr, err := a.Reserve()
		require.NoError(t, err)
		last = addr
	}

	_, err := a.Reserve()
	assert.Equal(errors.ErrDeviceFull, err)
	_, err = a.Reserve()
	assert.Equal(errors.ErrDeviceFull, err, "pool empty is sticky")

	// any release clears it
	require.NoError(t, a.Release(last))
	addr, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(last, addr)
}

func TestErase(t *testing.T) {
	a, dev, g := mkTestAlloc(t, 1000)

	addr, err := a.Reserve()
	require.NoError(t, err)
	for p := addr; p < addr+uint32(g.BlockSize); p++ {
		require.NoError(t, dev.Write(p, []byte{0xAA, 0xBB}, 17))
	}
	require.NoError(t, a.Erase(addr))

	buf := make([]byte, g.PageSize)
	for p := addr; p < addr+uint32(g.BlockSize); p++ {
		require.NoError(t, dev.Read(p, buf, 0))
		for _, b := range buf {
			if b != 0 {
				t.Fatalf("page %d not erased", p)
			}
		}
	}
}
