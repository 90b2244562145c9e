package blob

import (
	"bytes"
	"testing"

	"github.com/nainya/hamstore/pkg/herr"
)

// fakeSpace is a flat in-memory Space: AllocArea always reports "no
// free space" (0) so every test exercises the Grow path unless a test
// explicitly seeds free regions via free map. The arena starts with a
// reserved leading region standing in for the header page, so no blob
// is ever placed at address 0 (the "no blob" id).
type fakeSpace struct {
	arena []byte
	free  map[uint64]uint32
}

func newFakeSpace() *fakeSpace {
	return &fakeSpace{arena: make([]byte, 512), free: make(map[uint64]uint32)}
}

func (s *fakeSpace) AllocArea(size uint32) (uint64, error) {
	for addr, runSize := range s.free {
		if runSize >= size {
			delete(s.free, addr)
			if runSize > size {
				s.free[addr+uint64(size)] = runSize - size
			}
			return addr, nil
		}
	}
	return 0, nil
}

func (s *fakeSpace) FreeArea(address uint64, size uint32) error {
	s.free[address] = size
	return nil
}

func (s *fakeSpace) ReadAt(address uint64, length uint32) ([]byte, error) {
	end := address + uint64(length)
	if end > uint64(len(s.arena)) {
		return nil, herr.New(herr.IOError)
	}
	out := make([]byte, length)
	copy(out, s.arena[address:end])
	return out, nil
}

func (s *fakeSpace) WriteRaw(address uint64, data []byte) error {
	end := address + uint64(len(data))
	if end > uint64(len(s.arena)) {
		grown := make([]byte, end)
		copy(grown, s.arena)
		s.arena = grown
	}
	copy(s.arena[address:end], data)
	return nil
}

func (s *fakeSpace) Filesize() uint64 {
	return uint64(len(s.arena))
}

func (s *fakeSpace) Grow(size uint32) (uint64, error) {
	addr := uint64(len(s.arena))
	s.arena = append(s.arena, make([]byte, size)...)
	return addr, nil
}

func TestAllocateReadFreeRoundTrip(t *testing.T) {
	space := newFakeSpace()
	mgr := New(space, nil)

	record := bytes.Repeat([]byte{0x12}, 64)
	id, err := mgr.Allocate(record)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected nonzero blob id")
	}

	got, err := mgr.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Fatalf("read bytes do not match written bytes")
	}

	if err := mgr.Free(id); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if len(space.free) != 1 {
		t.Fatalf("expected freed space to be tracked, got %d runs", len(space.free))
	}
}

func TestOverwriteInPlaceWhenItFits(t *testing.T) {
	space := newFakeSpace()
	mgr := New(space, nil)

	id, err := mgr.Allocate(bytes.Repeat([]byte{0x12}, 64))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	smaller := bytes.Repeat([]byte{0x15}, 32)
	newID, err := mgr.Overwrite(id, smaller)
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if newID != id {
		t.Fatalf("expected in-place overwrite to keep the same blob id")
	}

	got, err := mgr.Read(newID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, smaller) {
		t.Fatalf("read bytes do not match overwritten bytes")
	}
}

func TestOverwriteReallocatesWhenTooBig(t *testing.T) {
	space := newFakeSpace()
	mgr := New(space, nil)

	id, err := mgr.Allocate(bytes.Repeat([]byte{0x12}, 16))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	bigger := bytes.Repeat([]byte{0x15}, 256)
	newID, err := mgr.Overwrite(id, bigger)
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if newID == id {
		t.Fatalf("expected overwrite past the allocation size to move the blob")
	}

	got, err := mgr.Read(newID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, bigger) {
		t.Fatalf("read bytes do not match reallocated bytes")
	}

	// Old location must now be reusable.
	if len(space.free) != 1 {
		t.Fatalf("expected old blob's space to be returned to the freelist")
	}
}

func TestReadUnknownBlobIDFails(t *testing.T) {
	space := newFakeSpace()
	mgr := New(space, nil)

	if _, err := mgr.Read(4096); err == nil {
		t.Fatalf("expected error reading an address with no blob header")
	}
}

func TestAllocatePrefersFreelistOverGrowth(t *testing.T) {
	space := newFakeSpace()
	mgr := New(space, nil)

	// Pre-seed a free run exactly large enough for a 16-byte record.
	space.arena = make([]byte, 1000)
	space.free[100] = headerSize + 16

	sizeBefore := space.Filesize()
	id, err := mgr.Allocate(bytes.Repeat([]byte{0x01}, 16))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id != 100 {
		t.Fatalf("expected allocation to reuse freelist run at 100, got %d", id)
	}
	if space.Filesize() != sizeBefore {
		t.Fatalf("expected no device growth when freelist satisfied the request")
	}
}
