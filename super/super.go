// Package super holds the formatted parameters of a TEFS volume and the
// arithmetic derived from them.
//
// The info page (device page 0) stores the superblock: a magic flag, the
// format parameters, and the embedded directory entries for the two system
// files. Every size is a power of two, so all address math reduces to
// shifts and masks on the derived exponents.
package super

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyfs/tefs/util"
)

const (
	// InfoSectionSize is the number of pages holding the superblock.
	InfoSectionSize = 1

	// CheckFlag fills the magic field of a formatted device.
	CheckFlag = 0xFC
)

// Directory entry status bytes. Empty and Deleted double as index-slot
// tombstones: a slot value <= Deleted holds no block address.
const (
	Empty   = 0x00
	Deleted = 0x01
	InUse   = 0x02
)

// Layout of a metadata-file directory entry.
const (
	DirStatusSize   = 1
	DirEofPageSize  = 4
	DirEofByteSize  = 2
	DirRootAddrSize = 4
	DirStaticSize   = 11

	EntryStatusOff  = 0
	EntryEofPageOff = 1
	EntryEofByteOff = 5
	EntryRootOff    = 7
	EntryNameOff    = DirStaticSize
)

// Superblock field offsets within the info page.
const (
	offMagic     = 0
	offNumPages  = 4
	offPageExp   = 8
	offBlockExp  = 9
	offAddrExp   = 10
	offHashSize  = 11
	offMetaSize  = 12
	offMaxName   = 14
	offStateSize = 16

	// Embedded directory entries for the hash-entries and metadata-entries
	// system files: {eof_page:4, eof_byte:2, root_index_block:4}.
	OffHashEntry = 20
	OffMetaEntry = 30

	EmbedEofPageOff = 0
	EmbedEofByteOff = 4
	EmbedRootOff    = 6
)

// ErrBadMagic reports a missing or corrupt check flag on decode.
var ErrBadMagic = errors.New("superblock magic mismatch")

// Params are the format-time parameters of a volume.
type Params struct {
	NumPages        uint32
	PageSize        uint16
	BlockSize       uint16 // pages per block
	HashSize        uint8  // 2 or 4
	MetadataSize    uint16
	MaxFileNameSize uint16
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// powerOfTwoExponent finds the bit position of a power of two.
func powerOfTwoExponent(n uint32) uint8 {
	var e uint8
	for n&1 == 0 && n > 1 {
		n >>= 1
		e++
	}
	return e
}

func (p Params) Validate() error {
	if !isPowerOfTwo(uint32(p.PageSize)) {
		return fmt.Errorf("page size %d is not a power of two", p.PageSize)
	}
	// the info page must hold the full superblock
	if p.PageSize < OffMetaEntry+EmbedRootOff+DirRootAddrSize {
		return fmt.Errorf("page size %d cannot hold the superblock", p.PageSize)
	}
	if !isPowerOfTwo(uint32(p.BlockSize)) {
		return fmt.Errorf("block size %d is not a power of two", p.BlockSize)
	}
	if p.HashSize != 2 && p.HashSize != 4 {
		return fmt.Errorf("hash size %d is not 2 or 4", p.HashSize)
	}
	if p.MetadataSize < p.MaxFileNameSize+DirStaticSize {
		return fmt.Errorf("metadata entry size %d cannot hold a %d-byte name",
			p.MetadataSize, p.MaxFileNameSize)
	}
	if p.MetadataSize > p.PageSize || uint16(p.HashSize) > p.PageSize {
		return fmt.Errorf("directory entries must fit in a %d-byte page", p.PageSize)
	}
	// directory growth appends entry by entry, so entries must tile pages
	// exactly
	if p.PageSize%p.MetadataSize != 0 {
		return fmt.Errorf("metadata entry size %d does not divide the page size", p.MetadataSize)
	}
	if p.NumPages <= InfoSectionSize+uint32(p.BlockSize)*8 {
		return fmt.Errorf("%d pages is too small to format", p.NumPages)
	}
	return nil
}

// DirHandle is the persisted state of a system file's embedded directory
// entry.
type DirHandle struct {
	EofPage        uint32
	EofByte        uint16
	RootIndexBlock uint32
}

// Geometry holds the loaded superblock plus everything derived from it.
type Geometry struct {
	NumPages         uint32
	PageSize         uint16
	BlockSize        uint16
	AddressSize      uint8
	HashSize         uint8
	MetadataSize     uint16
	MaxFileNameSize  uint16
	StateSectionSize uint32 // pages

	PageSizeExp      uint8
	BlockSizeExp     uint8
	AddressSizeExp   uint8
	AddrsPerBlock    uint32
	AddrsPerBlockExp uint8

	// StateSectionBytes is the number of bitmap bytes actually in use;
	// the rest of the state section is zero padding.
	StateSectionBytes uint32

	HashEntries DirHandle
	Metadata    DirHandle
}

func (g *Geometry) fillDerived() {
	g.AddrsPerBlock = (uint32(g.PageSize) << g.BlockSizeExp) >> g.AddressSizeExp
	g.AddrsPerBlockExp = g.PageSizeExp + g.BlockSizeExp - g.AddressSizeExp
	g.StateSectionBytes = (g.NumPages - InfoSectionSize) >> (g.BlockSizeExp + 3)
}

// MkGeometry derives a fresh geometry from format parameters. The state
// section and embedded entries are filled in by format.
func MkGeometry(p Params) (*Geometry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	g := &Geometry{
		NumPages:        p.NumPages,
		PageSize:        p.PageSize,
		BlockSize:       p.BlockSize,
		HashSize:        p.HashSize,
		MetadataSize:    p.MetadataSize,
		MaxFileNameSize: p.MaxFileNameSize,
	}
	// 2-byte addresses suffice below 2^16 pages.
	if p.NumPages < 1<<16 {
		g.AddressSize = 2
		g.AddressSizeExp = 1
	} else {
		g.AddressSize = 4
		g.AddressSizeExp = 2
	}
	g.PageSizeExp = powerOfTwoExponent(uint32(p.PageSize))
	g.BlockSizeExp = powerOfTwoExponent(uint32(p.BlockSize))
	g.fillDerived()
	g.StateSectionSize = util.RoundUp(g.StateSectionBytes, uint32(g.PageSize))
	return g, nil
}

// BlockAddr maps a state-section bit index to the device page address of
// the block it tracks. Block 0 starts right after the state section.
func (g *Geometry) BlockAddr(bit uint32) uint32 {
	return bit<<g.BlockSizeExp + InfoSectionSize + g.StateSectionSize
}

// FirstBlockPage is the device page of block 0.
func (g *Geometry) FirstBlockPage() uint32 {
	return InfoSectionSize + g.StateSectionSize
}

// ChildIndex is which child index block covers a logical file page.
func (g *Geometry) ChildIndex(page uint32) uint32 {
	return page >> (g.BlockSizeExp + g.AddrsPerBlockExp)
}

// RootIndexPos locates the child-block pointer for a logical file page
// within the root index block: the page of the root block holding it and
// the byte offset within that page.
func (g *Geometry) RootIndexPos(page uint32) (uint16, uint16) {
	child := g.ChildIndex(page)
	p := uint16(child >> (g.PageSizeExp - g.AddressSizeExp))
	b := uint16((child << g.AddressSizeExp) & uint32(g.PageSize-1))
	return p, b
}

// ChildIndexPos locates the data-block pointer for a logical file page
// within its child index block.
func (g *Geometry) ChildIndexPos(page uint32) (uint16, uint16) {
	blockInChild := (page >> g.BlockSizeExp) & (g.AddrsPerBlock - 1)
	p := uint16(blockInChild >> (g.PageSizeExp - g.AddressSizeExp))
	b := uint16((blockInChild << g.AddressSizeExp) & uint32(g.PageSize-1))
	return p, b
}

// DegenerateLimit is the number of file pages addressable through a single
// child index block. Below it the root block doubles as the child; the
// first write to reach it promotes the tree.
func (g *Geometry) DegenerateLimit() uint32 {
	return g.AddrsPerBlock << g.BlockSizeExp
}

// PutAddr encodes a block address with the formatted address size.
func (g *Geometry) PutAddr(b []byte, addr uint32) {
	if g.AddressSize == 2 {
		binary.LittleEndian.PutUint16(b, uint16(addr))
	} else {
		binary.LittleEndian.PutUint32(b, addr)
	}
}

// GetAddr decodes a block address with the formatted address size.
func (g *Geometry) GetAddr(b []byte) uint32 {
	if g.AddressSize == 2 {
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}

// Encode packs the superblock into an info-page sized buffer.
func (g *Geometry) Encode() []byte {
	buf := make([]byte, g.PageSize)
	for i := 0; i < 4; i++ {
		buf[offMagic+i] = CheckFlag
	}
	binary.LittleEndian.PutUint32(buf[offNumPages:], g.NumPages)
	buf[offPageExp] = g.PageSizeExp
	buf[offBlockExp] = g.BlockSizeExp
	buf[offAddrExp] = g.AddressSizeExp
	buf[offHashSize] = g.HashSize
	binary.LittleEndian.PutUint16(buf[offMetaSize:], g.MetadataSize)
	binary.LittleEndian.PutUint16(buf[offMaxName:], g.MaxFileNameSize)
	binary.LittleEndian.PutUint32(buf[offStateSize:], g.StateSectionSize)
	putEmbedded(buf[OffHashEntry:], g.HashEntries)
	putEmbedded(buf[OffMetaEntry:], g.Metadata)
	return buf
}

func putEmbedded(b []byte, h DirHandle) {
	binary.LittleEndian.PutUint32(b[EmbedEofPageOff:], h.EofPage)
	binary.LittleEndian.PutUint16(b[EmbedEofByteOff:], h.EofByte)
	binary.LittleEndian.PutUint32(b[EmbedRootOff:], h.RootIndexBlock)
}

func getEmbedded(b []byte) DirHandle {
	return DirHandle{
		EofPage:        binary.LittleEndian.Uint32(b[EmbedEofPageOff:]),
		EofByte:        binary.LittleEndian.Uint16(b[EmbedEofByteOff:]),
		RootIndexBlock: binary.LittleEndian.Uint32(b[EmbedRootOff:]),
	}
}

// Decode loads a geometry from an info page. Returns ErrBadMagic if the
// device was never formatted.
func Decode(buf []byte) (*Geometry, error) {
	for i := 0; i < 4; i++ {
		if buf[offMagic+i] != CheckFlag {
			return nil, ErrBadMagic
		}
	}
	g := &Geometry{
		NumPages:       binary.LittleEndian.Uint32(buf[offNumPages:]),
		PageSizeExp:    buf[offPageExp],
		BlockSizeExp:   buf[offBlockExp],
		AddressSizeExp: buf[offAddrExp],
		HashSize:       buf[offHashSize],
	}
	g.PageSize = uint16(1) << g.PageSizeExp
	g.BlockSize = uint16(1) << g.BlockSizeExp
	g.AddressSize = uint8(1) << g.AddressSizeExp
	g.MetadataSize = binary.LittleEndian.Uint16(buf[offMetaSize:])
	g.MaxFileNameSize = binary.LittleEndian.Uint16(buf[offMaxName:])
	g.StateSectionSize = binary.LittleEndian.Uint32(buf[offStateSize:])
	g.fillDerived()
	g.HashEntries = getEmbedded(buf[OffHashEntry:])
	g.Metadata = getEmbedded(buf[OffMetaEntry:])
	return g, nil
}
