// Package freelist tracks reusable file space at page and sub-page
// (chunk) granularity. Space lives in one or more freelist pages
// chained in a singly-linked list starting from the header; each
// freelist page holds a bitmap covering a fixed address range.
package freelist

import (
	"encoding/binary"

	"github.com/nainya/hamstore/internal/metrics"
)

// ChunkSize is the freelist's unit of sub-page allocation.
const ChunkSize = 32

// bitmapPageHeader is the on-disk layout of a freelist page's header,
// little-endian: {nextPage uint64, startAddress uint64, chunkCount uint32}.
const bitmapPageHeader = 20

// PageAccessor abstracts reading/writing raw freelist page bytes so the
// freelist can be unit-tested without a full page manager, and so the
// real page manager can route these through the cache.
type PageAccessor interface {
	// ReadPage returns the payload of the existing freelist page at
	// address; new pages come from AllocPageForFreelist.
	ReadPage(address uint64) ([]byte, error)
	// WritePage persists payload as the freelist page at address.
	WritePage(address uint64, payload []byte) error
	// AllocPageForFreelist allocates a brand-new page (outside of the
	// freelist itself, to avoid recursion) and returns its address.
	AllocPageForFreelist() (uint64, error)
	PageSize() uint32
}

// run is an in-memory decoded free region: address is in chunk units
// relative to a freelist page's start address, length is in chunks.
type run struct {
	startChunk uint32
	chunks     uint32
}

// Freelist is the chunk-granularity bitmap freelist.
type Freelist struct {
	pages      PageAccessor
	headerAddr uint64 // address of the first freelist page (0 = none yet)
	pageSize   uint32
	metrics    *metrics.Metrics
}

func New(pages PageAccessor, headerAddr uint64, pageSize uint32, m *metrics.Metrics) *Freelist {
	return &Freelist{pages: pages, headerAddr: headerAddr, pageSize: pageSize, metrics: m}
}

// HeaderAddress returns the address of the first freelist page, or 0 if
// none has been allocated yet.
func (f *Freelist) HeaderAddress() uint64 {
	return f.headerAddr
}

func bitsPerPage(pageSize uint32) uint32 {
	return (pageSize - bitmapPageHeader) * 8
}

type bitmapPage struct {
	next         uint64
	startAddress uint64
	chunkCount   uint32
	bits         []byte
}

func decodeBitmapPage(payload []byte) bitmapPage {
	return bitmapPage{
		next:         binary.LittleEndian.Uint64(payload[0:8]),
		startAddress: binary.LittleEndian.Uint64(payload[8:16]),
		chunkCount:   binary.LittleEndian.Uint32(payload[16:20]),
		bits:         payload[bitmapPageHeader:],
	}
}

func (b bitmapPage) encode(payload []byte) {
	binary.LittleEndian.PutUint64(payload[0:8], b.next)
	binary.LittleEndian.PutUint64(payload[8:16], b.startAddress)
	binary.LittleEndian.PutUint32(payload[16:20], b.chunkCount)
	copy(payload[bitmapPageHeader:], b.bits)
}

func (b bitmapPage) isSet(chunk uint32) bool {
	return b.bits[chunk/8]&(1<<(chunk%8)) != 0
}

func (b bitmapPage) set(chunk uint32, free bool) {
	byteIdx := chunk / 8
	bit := byte(1 << (chunk % 8))
	if free {
		b.bits[byteIdx] |= bit
	} else {
		b.bits[byteIdx] &^= bit
	}
}

// ensureHeader allocates the first freelist page on first use.
func (f *Freelist) ensureHeader() error {
	if f.headerAddr != 0 {
		return nil
	}
	addr, err := f.pages.AllocPageForFreelist()
	if err != nil {
		return err
	}
	f.headerAddr = addr
	payload := make([]byte, f.pageSize)
	bp := bitmapPage{next: 0, startAddress: 0, chunkCount: bitsPerPage(f.pageSize), bits: payload[bitmapPageHeader:]}
	bp.encode(payload)
	return f.pages.WritePage(addr, payload)
}

func (f *Freelist) extend() (uint64, error) {
	addr, err := f.pages.AllocPageForFreelist()
	if err != nil {
		return 0, err
	}
	payload := make([]byte, f.pageSize)
	bp := bitmapPage{chunkCount: bitsPerPage(f.pageSize), bits: payload[bitmapPageHeader:]}
	bp.encode(payload)
	return addr, f.pages.WritePage(addr, payload)
}

func chunksFor(size uint32) uint32 {
	return (size + ChunkSize - 1) / ChunkSize
}

// AllocPage finds the first bit representing an aligned whole-page run
// and clears it, returning its address. Returns 0 if no page-aligned
// free run exists.
func (f *Freelist) AllocPage() (uint64, error) {
	chunksPerPage := f.pageSize / ChunkSize
	addr, err := f.allocRun(chunksPerPage, true)
	if err != nil || addr == 0 {
		return addr, err
	}
	if f.metrics != nil {
		f.metrics.RecordFreelistAllocation("page")
	}
	return addr, nil
}

// AllocArea finds the first run of ceil(size/ChunkSize) contiguous
// bits, splits it, and returns the start address. Returns 0 if no run
// is large enough.
func (f *Freelist) AllocArea(size uint32) (uint64, error) {
	chunks := chunksFor(size)
	addr, err := f.allocRun(chunks, false)
	if err != nil || addr == 0 {
		return addr, err
	}
	if f.metrics != nil {
		f.metrics.RecordFreelistAllocation("area")
	}
	return addr, nil
}

// allocRun performs a first-fit scan across all freelist pages for a
// contiguous free run of the requested chunk length. pageAligned
// requires the run to start on a page boundary.
func (f *Freelist) allocRun(chunks uint32, pageAligned bool) (uint64, error) {
	if f.headerAddr == 0 {
		return 0, nil
	}

	cur := f.headerAddr
	for cur != 0 {
		payload, err := f.pages.ReadPage(cur)
		if err != nil {
			return 0, err
		}
		bp := decodeBitmapPage(payload)

		var runStart uint32 = ^uint32(0)
		var runLen uint32
		for c := uint32(0); c < bp.chunkCount; c++ {
			if !bp.isSet(c) {
				runStart = ^uint32(0)
				runLen = 0
				continue
			}
			if runStart == ^uint32(0) {
				// Alignment only constrains where a run may start; once
				// started, every following free chunk extends it
				// regardless of its own address.
				addrOfChunk := bp.startAddress + uint64(c)*ChunkSize
				if pageAligned && addrOfChunk%uint64(f.pageSize) != 0 {
					continue
				}
				runStart = c
				runLen = 1
			} else {
				runLen++
			}
			if runLen >= chunks {
				for i := uint32(0); i < chunks; i++ {
					bp.set(runStart+i, false)
				}
				bp.encode(payload)
				if err := f.pages.WritePage(cur, payload); err != nil {
					return 0, err
				}
				return bp.startAddress + uint64(runStart)*ChunkSize, nil
			}
		}
		cur = bp.next
	}
	return 0, nil
}

// FreePage marks the whole-page region starting at address as free,
// coalescing with adjacent runs.
func (f *Freelist) FreePage(address uint64) error {
	return f.FreeArea(address, f.pageSize)
}

// FreeArea marks size bytes starting at address as free, coalescing
// with adjacent free runs in address order.
func (f *Freelist) FreeArea(address uint64, size uint32) error {
	if err := f.ensureHeader(); err != nil {
		return err
	}
	chunks := chunksFor(size)

	cur := f.headerAddr
	var last uint64
	for cur != 0 {
		payload, err := f.pages.ReadPage(cur)
		if err != nil {
			return err
		}
		bp := decodeBitmapPage(payload)

		if address >= bp.startAddress {
			offset := address - bp.startAddress
			startChunk := offset / ChunkSize
			if offset%ChunkSize == 0 && startChunk+uint64(chunks) <= uint64(bp.chunkCount) {
				for i := uint32(0); i < chunks; i++ {
					bp.set(uint32(startChunk)+i, true)
				}
				bp.encode(payload)
				return f.pages.WritePage(cur, payload)
			}
		}
		last = cur
		cur = bp.next
	}

	// Address range isn't covered by any existing freelist page; chain
	// a new one whose range starts at this address.
	newAddr, err := f.extend()
	if err != nil {
		return err
	}
	payload, err := f.pages.ReadPage(newAddr)
	if err != nil {
		return err
	}
	bp := decodeBitmapPage(payload)
	bp.startAddress = address
	for i := uint32(0); i < chunks; i++ {
		bp.set(i, true)
	}
	bp.encode(payload)
	if err := f.pages.WritePage(newAddr, payload); err != nil {
		return err
	}

	if last != 0 {
		lastPayload, err := f.pages.ReadPage(last)
		if err != nil {
			return err
		}
		lastBp := decodeBitmapPage(lastPayload)
		lastBp.next = newAddr
		lastBp.encode(lastPayload)
		if err := f.pages.WritePage(last, lastPayload); err != nil {
			return err
		}
	}
	return nil
}

// IsPageFree reports whether address is currently tracked as free.
func (f *Freelist) IsPageFree(address uint64) (bool, error) {
	cur := f.headerAddr
	for cur != 0 {
		payload, err := f.pages.ReadPage(cur)
		if err != nil {
			return false, err
		}
		bp := decodeBitmapPage(payload)
		if address >= bp.startAddress {
			offset := address - bp.startAddress
			chunk := offset / ChunkSize
			if offset%ChunkSize == 0 && chunk < uint64(bp.chunkCount) {
				return bp.isSet(uint32(chunk)), nil
			}
		}
		cur = bp.next
	}
	return false, nil
}

// TruncatePage marks the tail-page range starting at newSize as no
// longer tracked, called when the device shrinks underneath the
// freelist (reclaim, or an explicit truncate).
func (f *Freelist) TruncatePage(newSize uint64) error {
	cur := f.headerAddr
	for cur != 0 {
		payload, err := f.pages.ReadPage(cur)
		if err != nil {
			return err
		}
		bp := decodeBitmapPage(payload)
		if newSize >= bp.startAddress {
			offset := newSize - bp.startAddress
			chunk := offset / ChunkSize
			if chunk < uint64(bp.chunkCount) {
				for i := uint32(chunk); i < bp.chunkCount; i++ {
					bp.set(i, false)
				}
				bp.chunkCount = uint32(chunk)
				bp.encode(payload)
				return f.pages.WritePage(cur, payload)
			}
		}
		cur = bp.next
	}
	return nil
}

// Metrics holds the counters exposed for observability.
type Metrics struct {
	FreelistPages   int
	FreeBytes       uint64
	FragmentedRuns  int
}

// GetMetrics walks every freelist page and reports aggregate counters.
func (f *Freelist) GetMetrics() (Metrics, error) {
	var out Metrics
	cur := f.headerAddr
	for cur != 0 {
		out.FreelistPages++
		payload, err := f.pages.ReadPage(cur)
		if err != nil {
			return out, err
		}
		bp := decodeBitmapPage(payload)

		inRun := false
		for c := uint32(0); c < bp.chunkCount; c++ {
			if bp.isSet(c) {
				out.FreeBytes += ChunkSize
				if !inRun {
					out.FragmentedRuns++
					inRun = true
				}
			} else {
				inRun = false
			}
		}
		cur = bp.next
	}
	if f.metrics != nil {
		f.metrics.FreelistFreeBytes.Set(float64(out.FreeBytes))
		f.metrics.FreelistFragmentedRuns.Set(float64(out.FragmentedRuns))
	}
	return out, nil
}

// Reclaim shrinks the device by truncating trailing free pages,
// starting at filesize-pageSize and walking backward while the tail
// page is free. It stops at the first in-use page, or silently at the
// first error from isPageFree/truncate, silently skipping reclaim as
// the safer default when the device cannot be shrunk (e.g. an active
// mmap mapping on some hosts).
func (f *Freelist) Reclaim(filesize uint64, truncateDevice func(uint64) error) (uint64, bool) {
	newSize := filesize
	for newSize >= uint64(f.pageSize) {
		candidate := newSize - uint64(f.pageSize)
		free := true
		for off := uint64(0); free && off < uint64(f.pageSize); off += ChunkSize {
			chunkFree, err := f.IsPageFree(candidate + off)
			free = err == nil && chunkFree
		}
		if !free {
			break
		}
		if err := f.TruncatePage(candidate); err != nil {
			break
		}
		newSize = candidate
	}
	if newSize == filesize {
		return filesize, false
	}
	if err := truncateDevice(newSize); err != nil {
		return filesize, false
	}
	return newSize, true
}
