// Package alloc hands out and reclaims whole blocks, tracked by the
// on-device state bitmap.
//
// The state section holds one bit per allocatable block, MSB first within
// each byte; 1 means free. A cursor in RAM remembers where the next free
// bit is, so sequential allocation never rescans the section from the
// start. "Pool empty" is sticky: it is set when a scan runs off the end of
// the section and cleared by any release.
package alloc

import (
	"github.com/tinyfs/tefs/disk"
	"github.com/tinyfs/tefs/errors"
	"github.com/tinyfs/tefs/super"
	"github.com/tinyfs/tefs/util"
)

type Alloc struct {
	dev disk.Dev
	g   *super.Geometry

	cursor    uint32 // state bit to try next
	poolEmpty bool
}

// MkAlloc loads an allocator for a mounted volume, locating the first free
// bit.
func MkAlloc(dev disk.Dev, g *super.Geometry) (*Alloc, error) {
	a := &Alloc{dev: dev, g: g}
	if err := a.findNextFree(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Alloc) bitPos(bit uint32) (page uint32, off uint16, mask uint8) {
	byteIdx := bit >> 3
	page = (byteIdx >> a.g.PageSizeExp) + super.InfoSectionSize
	off = uint16(byteIdx & uint32(a.g.PageSize-1))
	mask = 0x80 >> (bit & 7)
	return
}

// findNextFree advances the cursor to the first set bit at or after the
// byte containing it, or marks the pool empty.
func (a *Alloc) findNextFree() error {
	var b [1]byte
	for byteIdx := a.cursor >> 3; byteIdx < a.g.StateSectionBytes; byteIdx++ {
		page := (byteIdx >> a.g.PageSizeExp) + super.InfoSectionSize
		off := uint16(byteIdx & uint32(a.g.PageSize-1))
		if err := a.dev.Read(page, b[:], off); err != nil {
			return errors.ErrRead
		}
		if b[0] != 0 {
			var lead uint32
			for mask := uint8(0x80); mask != 0 && b[0]&mask == 0; mask >>= 1 {
				lead++
			}
			a.cursor = byteIdx<<3 + lead
			return nil
		}
	}
	a.poolEmpty = true
	return nil
}

// Reserve marks the first free block in use and returns its device page
// address.
func (a *Alloc) Reserve() (uint32, error) {
	if a.poolEmpty {
		return 0, errors.ErrDeviceFull
	}
	page, off, mask := a.bitPos(a.cursor)
	var b [1]byte
	if err := a.dev.Read(page, b[:], off); err != nil {
		return 0, errors.ErrRead
	}
	if b[0]&mask == 0 {
		// cursor does not point at a free bit; re-locate
		if err := a.findNextFree(); err != nil {
			return 0, err
		}
		if a.poolEmpty {
			return 0, errors.ErrDeviceFull
		}
		page, off, mask = a.bitPos(a.cursor)
		if err := a.dev.Read(page, b[:], off); err != nil {
			return 0, errors.ErrRead
		}
	}
	b[0] &^= mask
	if err := a.dev.Write(page, b[:], off); err != nil {
		return 0, errors.ErrWrite
	}
	addr := a.g.BlockAddr(a.cursor)
	a.cursor++
	if err := a.findNextFree(); err != nil {
		return 0, err
	}
	if err := a.dev.Flush(); err != nil {
		return 0, errors.ErrWrite
	}
	util.DPrintf(5, "alloc: reserve block at page %d", addr)
	return addr, nil
}

// Release frees the block starting at blockAddr. Releasing a free block is
// a no-op.
func (a *Alloc) Release(blockAddr uint32) error {
	bit := (blockAddr - a.g.FirstBlockPage()) >> a.g.BlockSizeExp
	page, off, mask := a.bitPos(bit)
	var b [1]byte
	if err := a.dev.Read(page, b[:], off); err != nil {
		return errors.ErrRead
	}
	if b[0]&mask != 0 {
		return nil
	}
	b[0] |= mask
	if err := a.dev.Write(page, b[:], off); err != nil {
		return errors.ErrWrite
	}
	if err := a.dev.Flush(); err != nil {
		return errors.ErrWrite
	}
	if bit < a.cursor {
		a.cursor = bit
	}
	a.poolEmpty = false
	util.DPrintf(5, "alloc: release block at page %d", blockAddr)
	return nil
}

// Erase fills every page of a block with zeros. Freshly reserved index
// blocks are erased so that empty slots are distinguishable from block
// addresses.
func (a *Alloc) Erase(blockAddr uint32) error {
	return EraseBlock(a.dev, a.g, blockAddr)
}

// EraseBlock is Erase for callers that have no allocator yet (format).
func EraseBlock(dev disk.Dev, g *super.Geometry, blockAddr uint32) error {
	zero := make([]byte, g.PageSize)
	dev.SetDirtyWrite(true)
	defer dev.SetDirtyWrite(false)
	for p := blockAddr; p < blockAddr+uint32(g.BlockSize); p++ {
		if err := dev.Write(p, zero, 0); err != nil {
			return errors.ErrWrite
		}
	}
	return nil
}

// InitStateSection writes a fresh state section: every tracked block free
// except the first used blocks, padding bytes zero.
func InitStateSection(dev disk.Dev, g *super.Geometry, used uint32) error {
	buf := make([]byte, g.PageSize)
	dev.SetDirtyWrite(true)
	defer dev.SetDirtyWrite(false)
	var byteIdx uint32
	for p := uint32(0); p < g.StateSectionSize; p++ {
		for i := range buf {
			if byteIdx+uint32(i) < g.StateSectionBytes {
				buf[i] = 0xFF
			} else {
				buf[i] = 0
			}
		}
		if p == 0 {
			for bit := uint32(0); bit < used; bit++ {
				buf[bit>>3] &^= 0x80 >> (bit & 7)
			}
		}
		if err := dev.Write(super.InfoSectionSize+p, buf, 0); err != nil {
			return errors.ErrWrite
		}
		byteIdx += uint32(g.PageSize)
	}
	return nil
}
