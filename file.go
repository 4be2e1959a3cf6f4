package tefs

import (
	"encoding/binary"

	"github.com/tinyfs/tefs/errors"
	"github.com/tinyfs/tefs/super"
	"github.com/tinyfs/tefs/util"
)

// File is the in-RAM state of one open file: the cached path through its
// index tree, where its directory entry lives, and the authoritative size.
//
// eofPage/eofByte in RAM lead the persisted directory entry between a
// size-extending write and the next Flush; sizeConsistent tracks that gap.
type File struct {
	fs *FS

	rootIndexBlock  uint32
	childIndexBlock uint32
	dataBlock       uint32
	dataBlockNumber uint32 // logical block of the file the cached data block holds
	currentPage     uint32 // logical page touched most recently

	directoryPage uint32 // superDirPage for the two system files
	directoryByte uint16

	eofPage        uint32
	eofByte        uint16
	sizeConsistent bool
}

// Size reports the end of file as (page, byte within that page).
func (f *File) Size() (uint32, uint16) {
	return f.eofPage, f.eofByte
}

// loadFirstBlocks caches the path to the file's first data block.
func (f *File) loadFirstBlocks() error {
	g := f.fs.geo
	var ab [4]byte
	if f.eofPage >= g.DegenerateLimit() {
		if err := f.fs.dev.Read(f.rootIndexBlock, ab[:g.AddressSize], 0); err != nil {
			return errors.ErrRead
		}
		f.childIndexBlock = g.GetAddr(ab[:g.AddressSize])
	} else {
		f.childIndexBlock = f.rootIndexBlock
	}
	if err := f.fs.dev.Read(f.childIndexBlock, ab[:g.AddressSize], 0); err != nil {
		return errors.ErrRead
	}
	f.dataBlock = g.GetAddr(ab[:g.AddressSize])
	f.dataBlockNumber = 0
	f.currentPage = 0
	return nil
}

// Write stores len(data) bytes at byte offset off within logical page
// `page` of the file. Writes may extend the file at its end but must not
// skip past it: page < eofPage, or page == eofPage with off <= eofByte.
func (f *File) Write(page uint32, data []byte, off uint16) error {
	g := f.fs.geo
	if int(off)+len(data) > int(g.PageSize) {
		return errors.ErrWritePastEnd
	}

	isNewPage := false
	if page == f.eofPage {
		if off > f.eofByte {
			return errors.ErrWritePastEnd
		}
		if uint32(off)+uint32(len(data)) > uint32(f.eofByte) {
			if f.eofByte == 0 {
				isNewPage = true
			}
			f.eofByte = off + uint16(len(data))
		}
		f.sizeConsistent = false

		if f.eofByte == g.PageSize {
			f.eofByte = 0
			f.eofPage++
			if f.eofPage == g.DegenerateLimit() {
				if err := f.promote(); err != nil {
					return err
				}
			}
		}
	} else if page > f.eofPage {
		return errors.ErrWritePastEnd
	}

	if err := f.walk(page, true); err != nil {
		return err
	}

	dev := f.fs.dev
	dev.SetDirtyWrite(isNewPage)
	err := dev.Write(f.dataBlock+(page&(uint32(g.BlockSize)-1)), data, off)
	dev.SetDirtyWrite(false)
	if err != nil {
		return errors.ErrWrite
	}
	f.currentPage = page
	return nil
}

// Read copies len(buf) bytes from byte offset off within logical page
// `page`. Reading at or past the end of file fails with ErrEOF.
func (f *File) Read(page uint32, buf []byte, off uint16) error {
	g := f.fs.geo
	if int(off)+len(buf) > int(g.PageSize) {
		return errors.ErrEOF
	}
	if page > f.eofPage {
		return errors.ErrEOF
	}
	if page == f.eofPage && uint32(off)+uint32(len(buf)) > uint32(f.eofByte) {
		return errors.ErrEOF
	}

	if err := f.walk(page, false); err != nil {
		return err
	}
	if err := f.fs.dev.Read(f.dataBlock+(page&(uint32(g.BlockSize)-1)), buf, off); err != nil {
		return errors.ErrRead
	}
	f.currentPage = page
	return nil
}

// walk moves the cached tree path to the data block holding `page`,
// reusing the cached child index and data block where they still apply.
// For writes, missing blocks are reserved on the way down; for reads a
// missing block is ErrUnreleasedBlock.
func (f *File) walk(page uint32, grow bool) error {
	g := f.fs.geo
	if (page == f.currentPage || page>>g.BlockSizeExp == f.dataBlockNumber) &&
		f.dataBlock > super.Deleted {
		return nil
	}

	childIdx := g.ChildIndex(page)
	if f.dataBlockNumber>>g.AddrsPerBlockExp != childIdx || f.childIndexBlock <= super.Deleted {
		pageInRoot, byteInRoot := g.RootIndexPos(page)
		if uint32(pageInRoot) >= uint32(g.BlockSize) {
			return errors.ErrFileFull
		}
		if err := f.loadSlot(f.rootIndexBlock, pageInRoot, byteInRoot,
			&f.childIndexBlock, grow, true); err != nil {
			return err
		}
	}

	pageInChild, byteInChild := g.ChildIndexPos(page)
	if err := f.loadSlot(f.childIndexBlock, pageInChild, byteInChild,
		&f.dataBlock, grow, false); err != nil {
		return err
	}
	f.dataBlockNumber = page >> g.BlockSizeExp
	return nil
}

// loadSlot reads one index slot into *out. When growing and the file's
// size is unflushed (or the slot is empty), a fresh block is reserved and
// its address written into the slot instead; new index blocks are erased
// before first use.
func (f *File) loadSlot(parent uint32, pageIn, byteIn uint16, out *uint32,
	grow bool, isIndex bool) error {
	g := f.fs.geo
	dev := f.fs.dev
	var ab [4]byte

	if f.sizeConsistent || !grow {
		if err := dev.Read(parent+uint32(pageIn), ab[:g.AddressSize], byteIn); err != nil {
			return errors.ErrRead
		}
		addr := g.GetAddr(ab[:g.AddressSize])
		if addr > super.Deleted {
			*out = addr
			return nil
		}
		if !grow {
			return errors.ErrUnreleasedBlock
		}
		// empty or tombstoned slot on a write: reserve a replacement
	}

	addr, err := f.fs.alloc.Reserve()
	if err != nil {
		return err
	}
	if isIndex {
		if err := f.fs.alloc.Erase(addr); err != nil {
			return err
		}
	}
	g.PutAddr(ab[:g.AddressSize], addr)
	if byteIn == 0 {
		dev.SetDirtyWrite(true)
	}
	werr := dev.Write(parent+uint32(pageIn), ab[:g.AddressSize], byteIn)
	dev.SetDirtyWrite(false)
	if werr != nil {
		return errors.ErrWrite
	}
	*out = addr
	return nil
}

// promote turns a degenerate tree into a two-level one: the old root
// becomes the first child of a freshly reserved root, and the directory
// entry is repointed.
func (f *File) promote() error {
	g := f.fs.geo
	newRoot, err := f.fs.alloc.Reserve()
	if err != nil {
		return err
	}
	if err := f.fs.alloc.Erase(newRoot); err != nil {
		return err
	}
	var ab [4]byte
	g.PutAddr(ab[:g.AddressSize], f.childIndexBlock)
	if err := f.fs.dev.Write(newRoot, ab[:g.AddressSize], 0); err != nil {
		return errors.ErrWrite
	}
	f.rootIndexBlock = newRoot
	util.DPrintf(2, "tefs: promoted index tree, new root at page %d", newRoot)
	return f.writeRootAddr()
}

// writeRootAddr persists the root index block address into the file's
// directory entry.
func (f *File) writeRootAddr() error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], f.rootIndexBlock)
	if f.directoryPage == superDirPage {
		if err := f.fs.dev.Write(0, b[:], f.directoryByte+super.EmbedRootOff); err != nil {
			return errors.ErrWrite
		}
		return nil
	}
	return f.fs.metadata.Write(f.directoryPage, b[:], f.directoryByte+super.EntryRootOff)
}

// updateSize persists eofPage/eofByte into the directory entry.
func (f *File) updateSize() error {
	var b [6]byte
	binary.LittleEndian.PutUint32(b[:4], f.eofPage)
	binary.LittleEndian.PutUint16(b[4:], f.eofByte)
	if f.directoryPage == superDirPage {
		if err := f.fs.dev.Write(0, b[:], f.directoryByte+super.EmbedEofPageOff); err != nil {
			return errors.ErrWrite
		}
		return nil
	}
	return f.fs.metadata.Write(f.directoryPage, b[:], f.directoryByte+super.EntryEofPageOff)
}

// Flush makes buffered writes durable and, if the file grew since the last
// flush, persists its size.
func (f *File) Flush() error {
	if err := f.fs.dev.Flush(); err != nil {
		return errors.ErrWrite
	}
	if !f.sizeConsistent {
		if err := f.updateSize(); err != nil {
			return err
		}
		f.sizeConsistent = true
	}
	return nil
}

// Close flushes the file. The handle must not be used afterwards.
func (f *File) Close() error {
	return f.Flush()
}

// ReleaseBlock releases the data block holding the given logical file page
// (any page of the block selects it) and tombstones its index
// slot. A child index block left without any addresses is itself released
// and tombstoned in the root, unless it doubles as the root.
func (f *File) ReleaseBlock(filePage uint32) error {
	g := f.fs.geo
	dev := f.fs.dev
	childIdx := g.ChildIndex(filePage)
	pageInRoot, byteInRoot := g.RootIndexPos(filePage)
	pageInChild, byteInChild := g.ChildIndexPos(filePage)
	var ab [4]byte

	if filePage>>g.BlockSizeExp != f.dataBlockNumber || f.dataBlock <= super.Deleted {
		if f.dataBlockNumber>>g.AddrsPerBlockExp != childIdx || f.childIndexBlock <= super.Deleted {
			if f.eofPage >= g.DegenerateLimit() {
				if uint32(pageInRoot) >= uint32(g.BlockSize) {
					return errors.ErrFileFull
				}
				if err := dev.Read(f.rootIndexBlock+uint32(pageInRoot),
					ab[:g.AddressSize], byteInRoot); err != nil {
					return errors.ErrRead
				}
				f.childIndexBlock = g.GetAddr(ab[:g.AddressSize])
				if f.childIndexBlock <= super.Deleted {
					return errors.ErrUnreleasedBlock
				}
			} else {
				f.childIndexBlock = f.rootIndexBlock
			}
		}
		if err := dev.Read(f.childIndexBlock+uint32(pageInChild),
			ab[:g.AddressSize], byteInChild); err != nil {
			return errors.ErrRead
		}
		f.dataBlock = g.GetAddr(ab[:g.AddressSize])
		if f.dataBlock <= super.Deleted {
			return errors.ErrUnreleasedBlock
		}
		f.dataBlockNumber = filePage >> g.BlockSizeExp
	}

	if err := f.fs.alloc.Release(f.dataBlock); err != nil {
		return err
	}
	ab = [4]byte{super.Deleted}
	if err := dev.Write(f.childIndexBlock+uint32(pageInChild),
		ab[:g.AddressSize], byteInChild); err != nil {
		return errors.ErrWrite
	}
	f.dataBlock = super.Deleted

	if f.childIndexBlock != f.rootIndexBlock {
		contains := false
		for p := uint16(0); p < g.BlockSize && !contains; p++ {
			for b := uint16(0); b < g.PageSize && !contains; b += uint16(g.AddressSize) {
				if err := dev.Read(f.childIndexBlock+uint32(p),
					ab[:g.AddressSize], b); err != nil {
					return errors.ErrRead
				}
				if g.GetAddr(ab[:g.AddressSize]) > super.Deleted {
					contains = true
				}
			}
		}
		if !contains {
			ab = [4]byte{super.Deleted}
			if err := dev.Write(f.rootIndexBlock+uint32(pageInRoot),
				ab[:g.AddressSize], byteInRoot); err != nil {
				return errors.ErrWrite
			}
			if err := f.fs.alloc.Release(f.childIndexBlock); err != nil {
				return err
			}
			f.childIndexBlock = super.Deleted
		}
	}

	if err := dev.Flush(); err != nil {
		return errors.ErrWrite
	}
	return nil
}
