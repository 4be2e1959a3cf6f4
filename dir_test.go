package tefs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyfs/tefs/disk"
	"github.com/tinyfs/tefs/errors"
)

func mkTestFs(t *testing.T) (*FS, *disk.MemDev) {
	dev := disk.NewMemDev(1000, 512)
	fs, err := Format(dev, testParams(1000), true)
	require.NoError(t, err)
	return fs, dev
}

func TestHashName(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	// djb2a
	assert.Equal(uint32(177604), fs.hashName("a"))
	assert.Equal(uint32(195669366), fs.hashName("playwright"))
	assert.Equal(uint32(195669366), fs.hashName("snush"))
	assert.NotZero(fs.hashName(""))

	// 2-byte hashes stay below 65521 and never collide with the tombstone
	small, _ := mkTestFs(t)
	small.geo.HashSize = 2
	for _, name := range []string{"a", "b", "file.0", "zzzzzzzzzzzz"} {
		h := small.hashName(name)
		assert.NotZero(h)
		assert.Less(h, uint32(65521))
	}
}

func TestExists(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	ok, err := fs.Exists("nope")
	require.NoError(t, err)
	assert.False(ok)

	f, err := fs.Open("yes")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ok, err = fs.Exists("yes")
	require.NoError(t, err)
	assert.True(ok)

	require.NoError(t, fs.Remove("yes"))
	ok, err = fs.Exists("yes")
	require.NoError(t, err)
	assert.False(ok)
}

func TestNameTooLong(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	long := "abcdefghijklm" // 13 > 12
	_, err := fs.Open(long)
	assert.Equal(errors.ErrFileNameTooLong, err)
	_, err = fs.Exists(long)
	assert.Equal(errors.ErrFileNameTooLong, err)

	// exactly the maximum is fine
	f, err := fs.Open("abcdefghijkl")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	ok, err := fs.Exists("abcdefghijkl")
	require.NoError(t, err)
	assert.True(ok)
}

func TestRemoveMissing(t *testing.T) {
	fs, _ := mkTestFs(t)
	assert.Equal(t, errors.ErrFileNotFound, fs.Remove("ghost"))
}

func TestManyFiles(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	// enough entries to spill the metadata file onto a second page
	const n = 20
	for i := 0; i < n; i++ {
		f, err := fs.Open(fmt.Sprintf("file.%d", i))
		require.NoError(t, err)
		require.NoError(t, f.Write(0, []byte{byte(i)}, 0))
		require.NoError(t, f.Close())
	}

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file.%d", i)
		ok, err := fs.Exists(name)
		require.NoError(t, err)
		assert.True(ok, name)

		f, err := fs.Open(name)
		require.NoError(t, err)
		buf := make([]byte, 1)
		require.NoError(t, f.Read(0, buf, 0))
		assert.Equal(byte(i), buf[0], name)
		require.NoError(t, f.Close())
	}

	files, err := fs.List()
	require.NoError(t, err)
	require.Len(t, files, n)
	for i, fi := range files {
		assert.Equal(fmt.Sprintf("file.%d", i), fi.Name)
		assert.Equal(uint32(0), fi.EofPage)
		assert.Equal(uint16(1), fi.EofByte)
	}
}

func TestTombstoneReuseOrder(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	for _, name := range []string{"one", "two", "three"} {
		f, err := fs.Open(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	require.NoError(t, fs.Remove("two"))

	// the freed middle slot is preferred over appending
	f, err := fs.Open("four")
	require.NoError(t, err)
	assert.Equal(uint32(0), f.directoryPage)
	assert.Equal(uint16(32), f.directoryByte, "slot of the removed file")
	require.NoError(t, f.Close())

	files, err := fs.List()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal("one", files[0].Name)
	assert.Equal("four", files[1].Name)
	assert.Equal("three", files[2].Name)
}

func TestRemoveOneOfCollidingPair(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	f1, err := fs.Open("playwright")
	require.NoError(t, err)
	require.NoError(t, f1.Write(0, []byte("p"), 0))
	require.NoError(t, f1.Close())
	f2, err := fs.Open("snush")
	require.NoError(t, err)
	require.NoError(t, f2.Write(0, []byte("s"), 0))
	require.NoError(t, f2.Close())

	require.NoError(t, fs.Remove("playwright"))

	ok, err := fs.Exists("playwright")
	require.NoError(t, err)
	assert.False(ok)
	ok, err = fs.Exists("snush")
	require.NoError(t, err)
	assert.True(ok)

	f2, err = fs.Open("snush")
	require.NoError(t, err)
	buf := make([]byte, 1)
	require.NoError(t, f2.Read(0, buf, 0))
	assert.Equal(byte('s'), buf[0])
	require.NoError(t, f2.Close())
}

func TestStat(t *testing.T) {
	assert := assert.New(t)
	fs, _ := mkTestFs(t)

	_, err := fs.Stat("missing")
	assert.Equal(errors.ErrFileNotFound, err)

	f, err := fs.Open("sized")
	require.NoError(t, err)
	require.NoError(t, f.Write(0, make([]byte, 512), 0))
	require.NoError(t, f.Write(1, make([]byte, 100), 0))
	require.NoError(t, f.Close())

	fi, err := fs.Stat("sized")
	require.NoError(t, err)
	assert.Equal(uint32(1), fi.EofPage)
	assert.Equal(uint16(100), fi.EofByte)
}
