// Package blob implements variable-length record storage: the blob
// manager allocates, reads, overwrites, and frees byte records backed
// by raw device space rather than page-cached storage.
package blob

import (
	"encoding/binary"

	"github.com/nainya/hamstore/internal/metrics"
	"github.com/nainya/hamstore/pkg/herr"
)

// headerSize is the on-disk size of Header, little-endian encoded:
// {SelfAddress, AllocSize, Size uint64 each, Flags uint32}.
const headerSize = 28

// Header precedes every blob's payload on disk.
type Header struct {
	SelfAddress uint64
	AllocSize   uint64
	Size        uint64
	Flags       uint32
}

func decodeHeader(buf []byte) Header {
	return Header{
		SelfAddress: binary.LittleEndian.Uint64(buf[0:8]),
		AllocSize:   binary.LittleEndian.Uint64(buf[8:16]),
		Size:        binary.LittleEndian.Uint64(buf[16:24]),
		Flags:       binary.LittleEndian.Uint32(buf[24:28]),
	}
}

func (h Header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.SelfAddress)
	binary.LittleEndian.PutUint64(buf[8:16], h.AllocSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.Size)
	binary.LittleEndian.PutUint32(buf[24:28], h.Flags)
}

// Space is the raw byte-addressable region the blob manager allocates
// against: the freelist for reuse, the device for growth and I/O.
// Implemented by pkg/env's Environment in production and by a fake in
// tests, keeping pkg/blob free of an import-cycle on pkg/env.
type Space interface {
	AllocArea(size uint32) (uint64, error)
	FreeArea(address uint64, size uint32) error
	ReadAt(address uint64, length uint32) ([]byte, error)
	WriteRaw(address uint64, data []byte) error
	Filesize() uint64
	Grow(size uint32) (uint64, error)
}

// Manager allocates and manages variable-length blob records.
type Manager struct {
	space   Space
	metrics *metrics.Metrics
}

func New(space Space, m *metrics.Metrics) *Manager {
	return &Manager{space: space, metrics: m}
}

// Allocate stores record as a new blob and returns its id (the address
// of its Header). It tries the freelist first, falling back to
// growing the device.
func (m *Manager) Allocate(record []byte) (uint64, error) {
	total := uint32(headerSize) + uint32(len(record))

	addr, err := m.space.AllocArea(total)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		addr, err = m.space.Grow(total)
		if err != nil {
			return 0, err
		}
	}

	hdr := Header{SelfAddress: addr, AllocSize: uint64(total), Size: uint64(len(record))}
	buf := make([]byte, total)
	hdr.encode(buf)
	copy(buf[headerSize:], record)

	if err := m.space.WriteRaw(addr, buf); err != nil {
		return 0, err
	}

	if m.metrics != nil {
		m.metrics.BlobAllocationsTotal.Inc()
		m.metrics.BlobBytesStored.Add(float64(total))
	}
	return addr, nil
}

// Read returns the bytes stored under blobID.
func (m *Manager) Read(blobID uint64) ([]byte, error) {
	hdrBuf, err := m.space.ReadAt(blobID, headerSize)
	if err != nil {
		return nil, err
	}
	hdr := decodeHeader(hdrBuf)
	if hdr.SelfAddress != blobID {
		return nil, herr.New(herr.IntegrityViolated)
	}

	payload, err := m.space.ReadAt(blobID+headerSize, uint32(hdr.Size))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Overwrite replaces the record stored under oldBlobID with newRecord.
// If newRecord fits within the existing allocation, it is written in
// place; otherwise the old blob is freed and a new one allocated (the
// blob id can change).
func (m *Manager) Overwrite(oldBlobID uint64, newRecord []byte) (uint64, error) {
	hdrBuf, err := m.space.ReadAt(oldBlobID, headerSize)
	if err != nil {
		return 0, err
	}
	hdr := decodeHeader(hdrBuf)
	if hdr.SelfAddress != oldBlobID {
		return 0, herr.New(herr.IntegrityViolated)
	}

	needed := uint64(headerSize) + uint64(len(newRecord))
	if needed <= hdr.AllocSize {
		hdr.Size = uint64(len(newRecord))
		buf := make([]byte, hdr.AllocSize)
		hdr.encode(buf)
		copy(buf[headerSize:], newRecord)
		if err := m.space.WriteRaw(oldBlobID, buf); err != nil {
			return 0, err
		}
		if m.metrics != nil {
			m.metrics.BlobOverwritesTotal.Inc()
		}
		return oldBlobID, nil
	}

	if err := m.Free(oldBlobID); err != nil {
		return 0, err
	}
	newID, err := m.Allocate(newRecord)
	if err != nil {
		return 0, err
	}
	if m.metrics != nil {
		m.metrics.BlobOverwritesTotal.Inc()
	}
	return newID, nil
}

// Free releases blobID's space back to the freelist.
func (m *Manager) Free(blobID uint64) error {
	hdrBuf, err := m.space.ReadAt(blobID, headerSize)
	if err != nil {
		return err
	}
	hdr := decodeHeader(hdrBuf)
	if hdr.SelfAddress != blobID {
		return herr.New(herr.IntegrityViolated)
	}

	if err := m.space.FreeArea(blobID, uint32(hdr.AllocSize)); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.BlobFreesTotal.Inc()
		m.metrics.BlobBytesStored.Add(-float64(hdr.AllocSize))
	}
	return nil
}
