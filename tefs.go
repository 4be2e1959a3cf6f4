// Package tefs is a tiny embedded file system for page-addressed storage
// devices (SD/MMC cards, dataflash).
//
// A formatted device holds an info page with the superblock, a free-block
// state bitmap, and two system files that together form the directory: a
// packed array of file-name hashes and a parallel array of fixed-size
// metadata entries. Each file's data is reached through a two-level index
// tree of whole blocks; small files fold the two levels into one.
//
// The file system is strictly single-threaded: no operation may run
// concurrently with any other on the same FS.
package tefs

import (
	"github.com/tinyfs/tefs/alloc"
	"github.com/tinyfs/tefs/disk"
	"github.com/tinyfs/tefs/errors"
	"github.com/tinyfs/tefs/super"
	"github.com/tinyfs/tefs/util"
)

// superDirPage marks a file whose directory entry is embedded in the
// superblock rather than stored in the metadata file.
const superDirPage = 0xFFFFFFFF

// formatBlocks is how many blocks formatting consumes: root and first data
// block for each of the two system files.
const formatBlocks = 4

type FS struct {
	dev   disk.Dev
	geo   *super.Geometry
	alloc *alloc.Alloc

	hashEntries File
	metadata    File
}

// Format writes a fresh file system to the device and returns it mounted.
// With eraseFirst set the device is erased before formatting; devices that
// cannot erase fail with ErrErase.
func Format(dev disk.Dev, p super.Params, eraseFirst bool) (*FS, error) {
	if eraseFirst {
		er, ok := dev.(disk.Eraser)
		if !ok {
			return nil, errors.ErrErase
		}
		if err := er.EraseAll(); err != nil {
			return nil, errors.ErrErase
		}
	}
	g, err := super.MkGeometry(p)
	if err != nil {
		return nil, err
	}

	// The system files start out degenerate: block 0/2 is the root (and
	// only) index block, block 1/3 the first data block.
	g.HashEntries = super.DirHandle{RootIndexBlock: g.BlockAddr(0)}
	g.Metadata = super.DirHandle{RootIndexBlock: g.BlockAddr(2)}

	dev.SetDirtyWrite(true)
	err = dev.Write(0, g.Encode(), 0)
	dev.SetDirtyWrite(false)
	if err != nil {
		return nil, errors.ErrWrite
	}

	if err := alloc.InitStateSection(dev, g, formatBlocks); err != nil {
		return nil, err
	}

	var ab [4]byte
	for i := uint32(0); i < 2; i++ {
		root := g.BlockAddr(i * 2)
		data := g.BlockAddr(i*2 + 1)
		if err := alloc.EraseBlock(dev, g, root); err != nil {
			return nil, err
		}
		g.PutAddr(ab[:g.AddressSize], data)
		if err := dev.Write(root, ab[:g.AddressSize], 0); err != nil {
			return nil, errors.ErrWrite
		}
	}

	if err := dev.Flush(); err != nil {
		return nil, errors.ErrWrite
	}
	util.DPrintf(1, "tefs: formatted %d pages, page size %d, block size %d",
		g.NumPages, g.PageSize, g.BlockSize)
	return mkFS(dev, g)
}

// Mount loads the file system from an already formatted device.
func Mount(dev disk.Dev) (*FS, error) {
	buf := make([]byte, dev.PageSize())
	if err := dev.Read(0, buf, 0); err != nil {
		return nil, errors.ErrRead
	}
	g, err := super.Decode(buf)
	if err != nil {
		return nil, errors.ErrNotFormatted
	}
	return mkFS(dev, g)
}

func mkFS(dev disk.Dev, g *super.Geometry) (*FS, error) {
	fs := &FS{dev: dev, geo: g}
	a, err := alloc.MkAlloc(dev, g)
	if err != nil {
		return nil, err
	}
	fs.alloc = a
	if err := fs.loadSystemFile(&fs.hashEntries, g.HashEntries, super.OffHashEntry); err != nil {
		return nil, err
	}
	if err := fs.loadSystemFile(&fs.metadata, g.Metadata, super.OffMetaEntry); err != nil {
		return nil, err
	}
	util.DPrintf(1, "tefs: mounted %d-page device, page size %d", g.NumPages, g.PageSize)
	return fs, nil
}

func (fs *FS) loadSystemFile(f *File, h super.DirHandle, entryOff uint16) error {
	f.fs = fs
	f.rootIndexBlock = h.RootIndexBlock
	f.eofPage = h.EofPage
	f.eofByte = h.EofByte
	f.directoryPage = superDirPage
	f.directoryByte = entryOff
	f.sizeConsistent = true
	return f.loadFirstBlocks()
}

// Geometry exposes the mounted volume's parameters.
func (fs *FS) Geometry() *super.Geometry {
	return fs.geo
}

// syncDir persists the system files' sizes into the superblock's embedded
// entries and flushes the device. Called after any operation that may have
// grown the directory.
func (fs *FS) syncDir() error {
	if !fs.hashEntries.sizeConsistent {
		if err := fs.hashEntries.updateSize(); err != nil {
			return err
		}
		fs.hashEntries.sizeConsistent = true
	}
	if !fs.metadata.sizeConsistent {
		if err := fs.metadata.updateSize(); err != nil {
			return err
		}
		fs.metadata.sizeConsistent = true
	}
	if err := fs.dev.Flush(); err != nil {
		return errors.ErrWrite
	}
	return nil
}
