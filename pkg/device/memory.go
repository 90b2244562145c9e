package device

import "github.com/nainya/hamstore/pkg/herr"

// MemoryDevice is a Device backed by a dynamically grown in-memory
// arena. It never supports mmap: the arena already lives in process
// memory, so there is nothing to map it onto.
type MemoryDevice struct {
	arena []byte
}

func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{}
}

func (d *MemoryDevice) Create() error {
	d.arena = nil
	return nil
}

func (d *MemoryDevice) Open() error {
	return nil
}

func (d *MemoryDevice) Close() error {
	d.arena = nil
	return nil
}

func (d *MemoryDevice) ReadAt(address uint64, length uint32) ([]byte, error) {
	end := address + uint64(length)
	if end > uint64(len(d.arena)) {
		return nil, herr.New(herr.IOError)
	}
	out := make([]byte, length)
	copy(out, d.arena[address:end])
	return out, nil
}

func (d *MemoryDevice) WriteAt(address uint64, data []byte) error {
	end := address + uint64(len(data))
	if end > uint64(len(d.arena)) {
		grown := make([]byte, end)
		copy(grown, d.arena)
		d.arena = grown
	}
	copy(d.arena[address:end], data)
	return nil
}

func (d *MemoryDevice) Truncate(newSize uint64) error {
	if newSize <= uint64(len(d.arena)) {
		d.arena = d.arena[:newSize]
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, d.arena)
	d.arena = grown
	return nil
}

func (d *MemoryDevice) Filesize() uint64 {
	return uint64(len(d.arena))
}

func (d *MemoryDevice) SupportsMmap() bool {
	return false
}

func (d *MemoryDevice) MapPage(address uint64, length uint32) ([]byte, error) {
	return nil, errNotMapped()
}
