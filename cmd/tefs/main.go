// Command tefs inspects and manipulates TEFS image files.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tinyfs/tefs"
	"github.com/tinyfs/tefs/disk"
	"github.com/tinyfs/tefs/super"
)

var (
	Version = "development"
)

func openDev(c *cli.Context) (*disk.FileDev, error) {
	image := c.String("image")
	pageSize := uint16(c.Uint("page-size"))
	st, err := os.Stat(image)
	if err != nil {
		return nil, errors.Wrapf(err, "stat image %s", image)
	}
	numPages := uint32(st.Size() / int64(pageSize))
	dev, err := disk.NewFileDev(image, numPages, pageSize)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", image)
	}
	return dev, nil
}

func mount(c *cli.Context) (*tefs.FS, *disk.FileDev, error) {
	dev, err := openDev(c)
	if err != nil {
		return nil, nil, err
	}
	fs, err := tefs.Mount(dev)
	if err != nil {
		dev.Close()
		return nil, nil, errors.Wrap(err, "mount")
	}
	return fs, dev, nil
}

func main() {
	app := &cli.App{
		Name:    "tefs",
		Usage:   "manipulate TEFS image files",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Usage:    "path to the device image",
				Required: true,
			},
			&cli.UintFlag{
				Name:  "page-size",
				Usage: "device page size in bytes",
				Value: 512,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "format",
				Usage: "write a fresh file system to the image",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "pages", Usage: "number of pages", Required: true},
					&cli.UintFlag{Name: "block-size", Usage: "pages per block", Value: 8},
					&cli.UintFlag{Name: "hash-size", Usage: "directory hash size (2 or 4)", Value: 4},
					&cli.UintFlag{Name: "metadata-size", Usage: "directory entry size", Value: 32},
					&cli.UintFlag{Name: "max-name", Usage: "maximum file name length", Value: 12},
					&cli.BoolFlag{Name: "erase", Usage: "erase the device before formatting"},
				},
				Action: formatAction,
			},
			{
				Name:   "info",
				Usage:  "print the formatted geometry",
				Action: infoAction,
			},
			{
				Name:   "ls",
				Usage:  "list files",
				Action: lsAction,
			},
			{
				Name:      "exists",
				Usage:     "check whether a file exists",
				ArgsUsage: "NAME",
				Action:    existsAction,
			},
			{
				Name:      "put",
				Usage:     "copy a local file into the image",
				ArgsUsage: "LOCAL NAME",
				Action:    putAction,
			},
			{
				Name:      "get",
				Usage:     "copy a file out of the image to stdout",
				ArgsUsage: "NAME",
				Action:    getAction,
			},
			{
				Name:      "rm",
				Usage:     "remove a file",
				ArgsUsage: "NAME",
				Action:    rmAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func formatAction(c *cli.Context) error {
	pageSize := uint16(c.Uint("page-size"))
	numPages := uint32(c.Uint("pages"))
	dev, err := disk.NewFileDev(c.String("image"), numPages, pageSize)
	if err != nil {
		return errors.Wrap(err, "create image")
	}
	defer dev.Close()
	p := super.Params{
		NumPages:        numPages,
		PageSize:        pageSize,
		BlockSize:       uint16(c.Uint("block-size")),
		HashSize:        uint8(c.Uint("hash-size")),
		MetadataSize:    uint16(c.Uint("metadata-size")),
		MaxFileNameSize: uint16(c.Uint("max-name")),
	}
	if _, err := tefs.Format(dev, p, c.Bool("erase")); err != nil {
		return errors.Wrap(err, "format")
	}
	logrus.Infof("formatted %s: %d pages of %d bytes", c.String("image"), numPages, pageSize)
	return nil
}

func infoAction(c *cli.Context) error {
	fs, dev, err := mount(c)
	if err != nil {
		return err
	}
	defer dev.Close()
	g := fs.Geometry()
	fmt.Printf("pages:          %d\n", g.NumPages)
	fmt.Printf("page size:      %d\n", g.PageSize)
	fmt.Printf("block size:     %d pages\n", g.BlockSize)
	fmt.Printf("address size:   %d\n", g.AddressSize)
	fmt.Printf("hash size:      %d\n", g.HashSize)
	fmt.Printf("metadata size:  %d\n", g.MetadataSize)
	fmt.Printf("max name:       %d\n", g.MaxFileNameSize)
	fmt.Printf("state section:  %d pages\n", g.StateSectionSize)
	return nil
}

func lsAction(c *cli.Context) error {
	fs, dev, err := mount(c)
	if err != nil {
		return err
	}
	defer dev.Close()
	files, err := fs.List()
	if err != nil {
		return errors.Wrap(err, "list")
	}
	g := fs.Geometry()
	for _, fi := range files {
		size := uint64(fi.EofPage)*uint64(g.PageSize) + uint64(fi.EofByte)
		fmt.Printf("%10d  %s\n", size, fi.Name)
	}
	return nil
}

func existsAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: exists NAME")
	}
	fs, dev, err := mount(c)
	if err != nil {
		return err
	}
	defer dev.Close()
	ok, err := fs.Exists(c.Args().Get(0))
	if err != nil {
		return errors.Wrap(err, "exists")
	}
	fmt.Println(ok)
	return nil
}

func putAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: put LOCAL NAME")
	}
	data, err := os.ReadFile(c.Args().Get(0))
	if err != nil {
		return errors.Wrap(err, "read local file")
	}
	fs, dev, err := mount(c)
	if err != nil {
		return err
	}
	defer dev.Close()
	f, err := fs.Open(c.Args().Get(1))
	if err != nil {
		return errors.Wrap(err, "open")
	}
	pageSize := int(fs.Geometry().PageSize)
	for page := uint32(0); len(data) > 0; page++ {
		n := pageSize
		if len(data) < n {
			n = len(data)
		}
		if err := f.Write(page, data[:n], 0); err != nil {
			return errors.Wrapf(err, "write page %d", page)
		}
		data = data[n:]
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	return nil
}

func getAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: get NAME")
	}
	fs, dev, err := mount(c)
	if err != nil {
		return err
	}
	defer dev.Close()
	name := c.Args().Get(0)
	fi, err := fs.Stat(name)
	if err != nil {
		return errors.Wrap(err, "stat")
	}
	f, err := fs.Open(name)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()
	buf := make([]byte, fs.Geometry().PageSize)
	for page := uint32(0); page < fi.EofPage; page++ {
		if err := f.Read(page, buf, 0); err != nil {
			return errors.Wrapf(err, "read page %d", page)
		}
		if _, err := os.Stdout.Write(buf); err != nil {
			return err
		}
	}
	if fi.EofByte > 0 {
		if err := f.Read(fi.EofPage, buf[:fi.EofByte], 0); err != nil {
			return errors.Wrap(err, "read last page")
		}
		if _, err := os.Stdout.Write(buf[:fi.EofByte]); err != nil {
			return err
		}
	}
	return nil
}

func rmAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: rm NAME")
	}
	fs, dev, err := mount(c)
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := fs.Remove(c.Args().Get(0)); err != nil {
		return errors.Wrap(err, "remove")
	}
	return nil
}
