package device

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nainya/hamstore/pkg/herr"
)

// FileDevice is a Device backed by a host file, with optional
// memory-mapped reads.
type FileDevice struct {
	Path        string
	DisableMmap bool

	fd       int
	size     uint64
	mmapping []byte
	mmapSize uint64
}

func NewFileDevice(path string, disableMmap bool) *FileDevice {
	return &FileDevice{Path: path, DisableMmap: disableMmap}
}

// Create creates the file, truncating any existing one to empty, then
// fsyncs the parent directory
// so the directory entry itself survives a crash immediately after
// creation.
func (d *FileDevice) Create() error {
	fd, err := unix.Open(d.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return herr.Wrap(herr.IOError, fmt.Errorf("create %s: %w", d.Path, err))
	}
	d.fd = fd

	dirfd, err := unix.Open(filepath.Dir(d.Path), os.O_RDONLY, 0)
	if err != nil {
		unix.Close(fd)
		return herr.Wrap(herr.IOError, fmt.Errorf("open dir: %w", err))
	}
	defer unix.Close(dirfd)
	if err := unix.Fsync(dirfd); err != nil {
		unix.Close(fd)
		return herr.Wrap(herr.IOError, fmt.Errorf("fsync dir: %w", err))
	}

	d.size = 0
	return nil
}

// Open opens an existing file.
func (d *FileDevice) Open() error {
	fd, err := unix.Open(d.Path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return herr.New(herr.FileNotFound)
		}
		return herr.Wrap(herr.IOError, err)
	}
	d.fd = fd

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return herr.Wrap(herr.IOError, err)
	}
	d.size = uint64(st.Size)

	if !d.DisableMmap && d.size > 0 {
		if err := d.remap(d.size); err != nil {
			unix.Close(fd)
			return err
		}
	}

	return nil
}

func (d *FileDevice) Close() error {
	if d.mmapping != nil {
		if err := unix.Munmap(d.mmapping); err != nil {
			return herr.Wrap(herr.IOError, err)
		}
		d.mmapping = nil
		d.mmapSize = 0
	}
	if err := unix.Close(d.fd); err != nil {
		return herr.Wrap(herr.IOError, err)
	}
	return nil
}

func (d *FileDevice) ReadAt(address uint64, length uint32) ([]byte, error) {
	if address+uint64(length) > d.size {
		return nil, herr.New(herr.IOError)
	}
	buf := make([]byte, length)
	n, err := unix.Pread(d.fd, buf, int64(address))
	if err != nil {
		return nil, herr.Wrap(herr.IOError, err)
	}
	if n != int(length) {
		return nil, herr.New(herr.IOError)
	}
	return buf, nil
}

func (d *FileDevice) WriteAt(address uint64, data []byte) error {
	n, err := unix.Pwrite(d.fd, data, int64(address))
	if err != nil {
		return herr.Wrap(herr.IOError, err)
	}
	if n != len(data) {
		return herr.New(herr.IOError)
	}
	if address+uint64(len(data)) > d.size {
		d.size = address + uint64(len(data))
	}
	return nil
}

// Truncate grows or shrinks the file. Growing does not touch the mmap;
// shrinking below the current mapping size unmaps first, since a live
// mapping over truncated pages is undefined behavior on most hosts.
func (d *FileDevice) Truncate(newSize uint64) error {
	if d.mmapping != nil && newSize < d.mmapSize {
		if err := unix.Munmap(d.mmapping); err != nil {
			return herr.Wrap(herr.IOError, err)
		}
		d.mmapping = nil
		d.mmapSize = 0
	}
	if err := unix.Ftruncate(d.fd, int64(newSize)); err != nil {
		return herr.Wrap(herr.IOError, err)
	}
	d.size = newSize
	if d.mmapping == nil && !d.DisableMmap && newSize > 0 {
		return d.remap(newSize)
	}
	return nil
}

func (d *FileDevice) Filesize() uint64 {
	return d.size
}

func (d *FileDevice) SupportsMmap() bool {
	return !d.DisableMmap
}

func (d *FileDevice) MapPage(address uint64, length uint32) ([]byte, error) {
	if d.DisableMmap {
		return nil, herr.New(herr.IOError)
	}
	if d.mmapping == nil || address+uint64(length) > d.mmapSize {
		if err := d.remap(address + uint64(length)); err != nil {
			return nil, err
		}
	}
	return d.mmapping[address : address+uint64(length)], nil
}

// remap replaces the memory mapping with one covering the larger of
// minSize and the current file size.
func (d *FileDevice) remap(minSize uint64) error {
	if d.mmapping != nil {
		if err := unix.Munmap(d.mmapping); err != nil {
			return herr.Wrap(herr.IOError, err)
		}
		d.mmapping = nil
	}

	size := minSize
	if size < d.size {
		size = d.size
	}

	chunk, err := unix.Mmap(d.fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return herr.Wrap(herr.IOError, err)
	}
	d.mmapping = chunk
	d.mmapSize = size
	return nil
}
