package tefs

import (
	"encoding/binary"

	"github.com/tinyfs/tefs/errors"
	"github.com/tinyfs/tefs/super"
	"github.com/tinyfs/tefs/util"
)

// The directory is two parallel system files: the hash-entries file, a
// packed array of hash-size slots, and the metadata-entries file, a packed
// array of metadata-size entries. Slot i of one corresponds to entry i of
// the other. A hash slot of zero is a deletion tombstone, free for reuse.

type dirOp uint8

const (
	opFind dirOp = iota
	opOpen
	opRemove
)

// hashName is djb2a over the file name. Zero is reserved as the deletion
// tombstone, so a zero result maps to 1; 2-byte hashes reduce mod 65521
// first so the reduction cannot reintroduce zero.
func (fs *FS) hashName(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = ((h << 5) + h) ^ uint32(name[i])
	}
	if fs.geo.HashSize == 2 {
		h %= 65521
	}
	if h == 0 {
		h = 1
	}
	return h
}

func (fs *FS) putHash(b []byte, h uint32) {
	if fs.geo.HashSize == 2 {
		binary.LittleEndian.PutUint16(b, uint16(h))
	} else {
		binary.LittleEndian.PutUint32(b, h)
	}
}

func (fs *FS) getHash(b []byte) uint32 {
	if fs.geo.HashSize == 2 {
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}

// dirSlot is a position in both directory files at once.
type dirSlot struct {
	hashPage uint32
	hashByte uint16
	dirPage  uint32
	dirByte  uint16
}

func (fs *FS) advance(s *dirSlot) {
	g := fs.geo
	// entries never straddle a page boundary
	if uint32(s.dirByte)+uint32(g.MetadataSize) >= uint32(g.PageSize) {
		s.dirPage++
		s.dirByte = 0
	} else {
		s.dirByte += g.MetadataSize
	}
	s.hashByte += uint16(g.HashSize)
	if s.hashByte >= g.PageSize {
		s.hashPage++
		s.hashByte = 0
	}
}

// lookup scans the directory for name. Find and Remove report the entry's
// location or ErrFileNotFound; Remove additionally zeroes the hash slot.
// Open creates a missing entry, reusing the first tombstoned slot if one
// precedes the end of the hash file, and reports created=true with the
// location to fill in.
func (fs *FS) lookup(name string, op dirOp) (dirPage uint32, dirByte uint16, created bool, err error) {
	h := fs.hashName(name)
	g := fs.geo
	hashBuf := make([]byte, g.HashSize)
	var cur, tomb dirSlot
	haveTomb := false

	for {
		rerr := fs.hashEntries.Read(cur.hashPage, hashBuf, cur.hashByte)
		if rerr == errors.ErrEOF {
			if op != opOpen {
				return 0, 0, false, errors.ErrFileNotFound
			}
			slot := cur
			if haveTomb {
				slot = tomb
			}
			fs.putHash(hashBuf, h)
			if werr := fs.hashEntries.Write(slot.hashPage, hashBuf, slot.hashByte); werr != nil {
				return 0, 0, false, werr
			}
			util.DPrintf(3, "dir: new entry for %q at page %d byte %d",
				name, slot.dirPage, slot.dirByte)
			return slot.dirPage, slot.dirByte, true, nil
		}
		if rerr != nil {
			return 0, 0, false, rerr
		}

		slotHash := fs.getHash(hashBuf)
		if slotHash == h {
			match, merr := fs.nameMatches(cur.dirPage, cur.dirByte, name)
			if merr != nil {
				return 0, 0, false, merr
			}
			if match {
				if op == opRemove {
					zero := make([]byte, g.HashSize)
					if werr := fs.hashEntries.Write(cur.hashPage, zero, cur.hashByte); werr != nil {
						return 0, 0, false, werr
					}
				}
				return cur.dirPage, cur.dirByte, false, nil
			}
		} else if slotHash == 0 && op == opOpen && !haveTomb {
			tomb = cur
			haveTomb = true
		}
		fs.advance(&cur)
	}
}

// nameMatches compares an in-use entry's stored name against name, up to
// the null padding or the maximum name length.
func (fs *FS) nameMatches(dirPage uint32, dirByte uint16, name string) (bool, error) {
	g := fs.geo
	buf := make([]byte, super.DirStaticSize+int(g.MaxFileNameSize))
	if err := fs.metadata.Read(dirPage, buf, dirByte); err != nil {
		return false, err
	}
	if buf[super.EntryStatusOff] != super.InUse {
		return false, nil
	}
	stored := buf[super.EntryNameOff:]
	for i := 0; i < len(name); i++ {
		if stored[i] != name[i] {
			return false, nil
		}
	}
	return len(name) == int(g.MaxFileNameSize) || stored[len(name)] == 0, nil
}

// Open opens the named file, creating it if it does not exist.
func (fs *FS) Open(name string) (*File, error) {
	if len(name) > int(fs.geo.MaxFileNameSize) {
		return nil, errors.ErrFileNameTooLong
	}
	dirPage, dirByte, created, err := fs.lookup(name, opOpen)
	if err != nil {
		return nil, err
	}
	f := &File{fs: fs, directoryPage: dirPage, directoryByte: dirByte}
	if created {
		if err := fs.createEntry(f, name); err != nil {
			return nil, err
		}
	} else {
		if err := fs.openEntry(f); err != nil {
			return nil, err
		}
	}
	f.sizeConsistent = true
	return f, nil
}

// createEntry fills in a fresh directory entry and gives the file its root
// index block and first data block.
func (fs *FS) createEntry(f *File, name string) error {
	g := fs.geo

	// Zero the whole entry first so a half-written entry reads as EMPTY;
	// the status byte flips to IN_USE last.
	entry := make([]byte, g.MetadataSize)
	if err := fs.metadata.Write(f.directoryPage, entry, f.directoryByte); err != nil {
		return err
	}
	f.eofPage = 0
	f.eofByte = 0

	root, err := fs.alloc.Reserve()
	if err != nil {
		return err
	}
	if err := fs.alloc.Erase(root); err != nil {
		return err
	}
	f.rootIndexBlock = root
	f.childIndexBlock = root

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], root)
	if err := fs.metadata.Write(f.directoryPage, b[:], f.directoryByte+super.EntryRootOff); err != nil {
		return err
	}
	if len(name) > 0 {
		if err := fs.metadata.Write(f.directoryPage, []byte(name), f.directoryByte+super.EntryNameOff); err != nil {
			return err
		}
	}
	status := [1]byte{super.InUse}
	if err := fs.metadata.Write(f.directoryPage, status[:], f.directoryByte+super.EntryStatusOff); err != nil {
		return err
	}

	// First data block. A full device is tolerated here: the slot stays
	// EMPTY and the first write retries the reservation.
	data, err := fs.alloc.Reserve()
	if err != nil && err != errors.ErrDeviceFull {
		return err
	}
	if err == nil {
		g.PutAddr(b[:g.AddressSize], data)
		if werr := fs.dev.Write(root, b[:g.AddressSize], 0); werr != nil {
			return errors.ErrWrite
		}
		f.dataBlock = data
	}
	return fs.syncDir()
}

// openEntry loads an existing entry's size and index tree.
func (fs *FS) openEntry(f *File) error {
	buf := make([]byte, super.DirStaticSize)
	if err := fs.metadata.Read(f.directoryPage, buf, f.directoryByte); err != nil {
		return err
	}
	f.eofPage = binary.LittleEndian.Uint32(buf[super.EntryEofPageOff:])
	f.eofByte = binary.LittleEndian.Uint16(buf[super.EntryEofByteOff:])
	f.rootIndexBlock = binary.LittleEndian.Uint32(buf[super.EntryRootOff:])
	return f.loadFirstBlocks()
}

// Exists reports whether the named file is present.
func (fs *FS) Exists(name string) (bool, error) {
	if len(name) > int(fs.geo.MaxFileNameSize) {
		return false, errors.ErrFileNameTooLong
	}
	_, _, _, err := fs.lookup(name, opFind)
	if err == errors.ErrFileNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the named file, releasing every block of its index tree
// and tombstoning its directory entry.
func (fs *FS) Remove(name string) error {
	g := fs.geo
	dirPage, dirByte, _, err := fs.lookup(name, opRemove)
	if err != nil {
		return err
	}

	buf := make([]byte, super.DirStaticSize)
	if err := fs.metadata.Read(dirPage, buf, dirByte); err != nil {
		return err
	}
	eofPage := binary.LittleEndian.Uint32(buf[super.EntryEofPageOff:])
	root := binary.LittleEndian.Uint32(buf[super.EntryRootOff:])

	promoted := eofPage >= g.DegenerateLimit()
	lastRootPage, lastRootByte := g.RootIndexPos(eofPage)
	lastChildPage, lastChildByte := g.ChildIndexPos(eofPage)
	var ab [4]byte
	pastEnd := false

	for rp := uint16(0); rp <= lastRootPage && !pastEnd; rp++ {
		for rb := uint16(0); rb < g.PageSize && !pastEnd; rb += uint16(g.AddressSize) {
			child := root
			if promoted {
				if err := fs.dev.Read(root+uint32(rp), ab[:g.AddressSize], rb); err != nil {
					return errors.ErrRead
				}
				child = g.GetAddr(ab[:g.AddressSize])
			}
			if child <= super.Deleted {
				if rp == lastRootPage && rb == lastRootByte {
					pastEnd = true
				}
				continue
			}
			for cp := uint16(0); cp < g.BlockSize && !pastEnd; cp++ {
				for cb := uint16(0); cb < g.PageSize && !pastEnd; cb += uint16(g.AddressSize) {
					if err := fs.dev.Read(child+uint32(cp), ab[:g.AddressSize], cb); err != nil {
						return errors.ErrRead
					}
					if data := g.GetAddr(ab[:g.AddressSize]); data > super.Deleted {
						if err := fs.alloc.Release(data); err != nil {
							return err
						}
					}
					if rp == lastRootPage && rb == lastRootByte &&
						cp == lastChildPage && cb == lastChildByte {
						pastEnd = true
					}
				}
			}
			if promoted {
				if err := fs.alloc.Release(child); err != nil {
					return err
				}
			}
		}
	}
	if err := fs.alloc.Release(root); err != nil {
		return err
	}

	status := [1]byte{super.Deleted}
	if err := fs.metadata.Write(dirPage, status[:], dirByte+super.EntryStatusOff); err != nil {
		return err
	}
	util.DPrintf(2, "tefs: removed %q", name)
	return fs.syncDir()
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name    string
	EofPage uint32
	EofByte uint16
}

// Stat reports the size of the named file.
func (fs *FS) Stat(name string) (FileInfo, error) {
	if len(name) > int(fs.geo.MaxFileNameSize) {
		return FileInfo{}, errors.ErrFileNameTooLong
	}
	dirPage, dirByte, _, err := fs.lookup(name, opFind)
	if err != nil {
		return FileInfo{}, err
	}
	buf := make([]byte, super.DirStaticSize)
	if err := fs.metadata.Read(dirPage, buf, dirByte); err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:    name,
		EofPage: binary.LittleEndian.Uint32(buf[super.EntryEofPageOff:]),
		EofByte: binary.LittleEndian.Uint16(buf[super.EntryEofByteOff:]),
	}, nil
}

// List walks the metadata file and reports every in-use entry.
func (fs *FS) List() ([]FileInfo, error) {
	g := fs.geo
	buf := make([]byte, super.DirStaticSize+int(g.MaxFileNameSize))
	var out []FileInfo
	var cur dirSlot
	for {
		err := fs.metadata.Read(cur.dirPage, buf, cur.dirByte)
		if err == errors.ErrEOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if buf[super.EntryStatusOff] == super.InUse {
			stored := buf[super.EntryNameOff:]
			n := 0
			for n < len(stored) && stored[n] != 0 {
				n++
			}
			out = append(out, FileInfo{
				Name:    string(stored[:n]),
				EofPage: binary.LittleEndian.Uint32(buf[super.EntryEofPageOff:]),
				EofByte: binary.LittleEndian.Uint16(buf[super.EntryEofByteOff:]),
			})
		}
		fs.advance(&cur)
	}
}
