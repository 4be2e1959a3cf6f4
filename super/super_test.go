package super

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		NumPages:        1000,
		PageSize:        512,
		BlockSize:       8,
		HashSize:        4,
		MetadataSize:    32,
		MaxFileNameSize: 12,
	}
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(testParams().Validate())

	p := testParams()
	p.PageSize = 500
	assert.Error(p.Validate(), "page size must be a power of two")

	p = testParams()
	p.BlockSize = 12
	assert.Error(p.Validate(), "block size must be a power of two")

	p = testParams()
	p.HashSize = 3
	assert.Error(p.Validate(), "hash size must be 2 or 4")

	p = testParams()
	p.MetadataSize = 22
	assert.Error(p.Validate(), "metadata entry too small for the name")

	p = testParams()
	p.MetadataSize = 48
	p.MaxFileNameSize = 12
	assert.Error(p.Validate(), "entry size must divide the page size")

	p = testParams()
	p.NumPages = 60
	assert.Error(p.Validate(), "device too small")
}

func TestMkGeometry(t *testing.T) {
	assert := assert.New(t)
	g, err := MkGeometry(testParams())
	require.NoError(t, err)

	assert.Equal(uint8(2), g.AddressSize)
	assert.Equal(uint8(1), g.AddressSizeExp)
	assert.Equal(uint8(9), g.PageSizeExp)
	assert.Equal(uint8(3), g.BlockSizeExp)
	assert.Equal(uint32(2048), g.AddrsPerBlock)
	assert.Equal(uint8(11), g.AddrsPerBlockExp)

	// (1000-1)/8 = 124 blocks, rounded down to 15 whole bitmap bytes
	// (120 blocks tracked), one state page
	assert.Equal(uint32(15), g.StateSectionBytes)
	assert.Equal(uint32(1), g.StateSectionSize)

	assert.Equal(uint32(2), g.FirstBlockPage())
	assert.Equal(uint32(2), g.BlockAddr(0))
	assert.Equal(uint32(42), g.BlockAddr(5))

	// a single child block addresses 2048 data blocks of 8 pages each
	assert.Equal(uint32(16384), g.DegenerateLimit())
}

func TestMkGeometryWideAddresses(t *testing.T) {
	p := testParams()
	p.NumPages = 1 << 16
	g, err := MkGeometry(p)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), g.AddressSize)
	assert.Equal(t, uint8(2), g.AddressSizeExp)
	assert.Equal(t, uint32(1024), g.AddrsPerBlock)
}

func TestIndexMapping(t *testing.T) {
	assert := assert.New(t)
	g, err := MkGeometry(testParams())
	require.NoError(t, err)

	assert.Equal(uint32(0), g.ChildIndex(0))
	assert.Equal(uint32(0), g.ChildIndex(16383))
	assert.Equal(uint32(1), g.ChildIndex(16384))

	p, b := g.RootIndexPos(0)
	assert.Equal(uint16(0), p)
	assert.Equal(uint16(0), b)

	// child 1's pointer is the second address of the root block
	p, b = g.RootIndexPos(16384)
	assert.Equal(uint16(0), p)
	assert.Equal(uint16(2), b)

	// 256 child pointers per root page
	p, b = g.RootIndexPos(16384 * 256)
	assert.Equal(uint16(1), p)
	assert.Equal(uint16(0), b)

	p, b = g.ChildIndexPos(0)
	assert.Equal(uint16(0), p)
	assert.Equal(uint16(0), b)

	// pages 8..15 live in the child's second slot
	p, b = g.ChildIndexPos(8)
	assert.Equal(uint16(0), p)
	assert.Equal(uint16(2), b)

	// slot 256 starts the child's second page
	p, b = g.ChildIndexPos(256 * 8)
	assert.Equal(uint16(1), p)
	assert.Equal(uint16(0), b)

	// the mapping wraps within a child
	p, b = g.ChildIndexPos(16384 + 8)
	assert.Equal(uint16(0), p)
	assert.Equal(uint16(2), b)
}

func TestAddrCodec(t *testing.T) {
	assert := assert.New(t)
	g, err := MkGeometry(testParams())
	require.NoError(t, err)

	var b [4]byte
	g.PutAddr(b[:g.AddressSize], 0x1234)
	assert.Equal([]byte{0x34, 0x12}, b[:2])
	assert.Equal(uint32(0x1234), g.GetAddr(b[:g.AddressSize]))

	p := testParams()
	p.NumPages = 1 << 20
	g4, err := MkGeometry(p)
	require.NoError(t, err)
	g4.PutAddr(b[:g4.AddressSize], 0xDEAD55)
	assert.Equal(uint32(0xDEAD55), g4.GetAddr(b[:g4.AddressSize]))
}

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	g, err := MkGeometry(testParams())
	require.NoError(t, err)
	g.HashEntries = DirHandle{EofPage: 3, EofByte: 17, RootIndexBlock: g.BlockAddr(0)}
	g.Metadata = DirHandle{EofPage: 1, EofByte: 256, RootIndexBlock: g.BlockAddr(2)}

	buf := g.Encode()
	require.Equal(t, int(g.PageSize), len(buf))
	for i := 0; i < 4; i++ {
		assert.Equal(byte(CheckFlag), buf[i])
	}

	g2, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(g, g2)
}

func TestDecodeNotFormatted(t *testing.T) {
	buf := make([]byte, 512)
	_, err := Decode(buf)
	assert.Equal(t, ErrBadMagic, err)

	buf[0] = CheckFlag
	buf[1] = CheckFlag
	_, err = Decode(buf)
	assert.Equal(t, ErrBadMagic, err)
}
