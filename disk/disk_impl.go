package disk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var _ Dev = (*MemDev)(nil)

// MemDev is an in-memory device, for tests and scratch volumes.
type MemDev struct {
	pageSize uint16
	pages    [][]byte
}

func NewMemDev(numPages uint32, pageSize uint16) *MemDev {
	pages := make([][]byte, numPages)
	for i := range pages {
		pages[i] = make([]byte, pageSize)
	}
	return &MemDev{pageSize: pageSize, pages: pages}
}

func (d *MemDev) checkRange(page uint32, n int, off uint16) error {
	if page >= uint32(len(d.pages)) {
		return fmt.Errorf("out-of-bounds access at page %v", page)
	}
	if int(off)+n > int(d.pageSize) {
		return fmt.Errorf("access beyond page end: off %v len %v", off, n)
	}
	return nil
}

func (d *MemDev) Read(page uint32, p []byte, off uint16) error {
	if err := d.checkRange(page, len(p), off); err != nil {
		return err
	}
	copy(p, d.pages[page][off:])
	return nil
}

func (d *MemDev) Write(page uint32, p []byte, off uint16) error {
	if err := d.checkRange(page, len(p), off); err != nil {
		return err
	}
	copy(d.pages[page][off:], p)
	return nil
}

func (d *MemDev) SetDirtyWrite(dirty bool) {}

func (d *MemDev) Flush() error { return nil }

func (d *MemDev) PageSize() uint16 { return d.pageSize }

func (d *MemDev) NumPages() uint32 { return uint32(len(d.pages)) }

func (d *MemDev) EraseAll() error {
	for _, pg := range d.pages {
		for i := range pg {
			pg[i] = 0
		}
	}
	return nil
}

var _ Dev = (*FileDev)(nil)
var _ Eraser = (*FileDev)(nil)

// FileDev is an image-file backed device.
type FileDev struct {
	fd       int
	pageSize uint16
	numPages uint32
}

func NewFileDev(path string, numPages uint32, pageSize uint16) (*FileDev, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	size := int64(numPages) * int64(pageSize)
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if stat.Size != size {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return &FileDev{fd: fd, pageSize: pageSize, numPages: numPages}, nil
}

func (d *FileDev) checkRange(page uint32, n int, off uint16) error {
	if page >= d.numPages {
		return fmt.Errorf("out-of-bounds access at page %v", page)
	}
	if int(off)+n > int(d.pageSize) {
		return fmt.Errorf("access beyond page end: off %v len %v", off, n)
	}
	return nil
}

func (d *FileDev) Read(page uint32, p []byte, off uint16) error {
	if err := d.checkRange(page, len(p), off); err != nil {
		return err
	}
	pos := int64(page)*int64(d.pageSize) + int64(off)
	_, err := unix.Pread(d.fd, p, pos)
	return err
}

func (d *FileDev) Write(page uint32, p []byte, off uint16) error {
	if err := d.checkRange(page, len(p), off); err != nil {
		return err
	}
	pos := int64(page)*int64(d.pageSize) + int64(off)
	_, err := unix.Pwrite(d.fd, p, pos)
	return err
}

// SetDirtyWrite is a no-op: pwrite touches exactly the requested bytes, so
// there is no read-modify-write round to skip.
func (d *FileDev) SetDirtyWrite(dirty bool) {}

func (d *FileDev) Flush() error {
	return unix.Fsync(d.fd)
}

func (d *FileDev) PageSize() uint16 { return d.pageSize }

func (d *FileDev) NumPages() uint32 { return d.numPages }

func (d *FileDev) EraseAll() error {
	if err := unix.Ftruncate(d.fd, 0); err != nil {
		return err
	}
	return unix.Ftruncate(d.fd, int64(d.numPages)*int64(d.pageSize))
}

func (d *FileDev) Close() error {
	return unix.Close(d.fd)
}
