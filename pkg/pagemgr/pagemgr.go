// Package pagemgr implements the page cache and page manager: the
// single authority for fetching, allocating, and flushing pages.
// The cache's LRU order is tracked with a Go map plus explicit
// prev/next address links kept alongside each cached entry, rather
// than an intrusive doubly-linked list threaded through the pages
// themselves.
package pagemgr

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/nainya/hamstore/internal/logger"
	"github.com/nainya/hamstore/internal/metrics"
	"github.com/nainya/hamstore/pkg/changeset"
	"github.com/nainya/hamstore/pkg/device"
	"github.com/nainya/hamstore/pkg/herr"
	"github.com/nainya/hamstore/pkg/page"
)

// Allocation flags for AllocPage.
const (
	IgnoreFreelist uint32 = 8
	ClearWithZero  uint32 = 16
)

// purgeLimit bounds how many pages a single PurgeCache pass evicts, so
// a cache massively over its budget doesn't stall the caller for a
// long synchronous eviction walk.
const purgeLimit = 20

// entry is one PageMap slot: address -> PageState. page is nil when
// the address is known free but its payload is not currently loaded
// (the "known-free-but-not-loaded" state the PageMap blob exists to
// survive a reopen with); prev/next are its position in the LRU
// address list and are only meaningful while page is non-nil, since an
// unloaded entry isn't part of the cache's totallist at all.
type entry struct {
	page   *page.Page
	isFree bool
	prev   uint64
	next   uint64
}

// Freelist is the subset of pkg/freelist's Freelist the manager needs;
// declared as an interface so pagemgr can be unit-tested with a fake
// and so pagemgr need not import pkg/freelist, whose PageAccessor the
// environment implements on top of this manager.
type Freelist interface {
	AllocPage() (uint64, error)
	FreePage(address uint64) error
	Reclaim(filesize uint64, truncate func(uint64) error) (uint64, bool)
}

// Manager is the page cache and allocator: it owns every Page in
// memory, decides what stays cached, and is the only component
// permitted to read or write pages on the device.
type Manager struct {
	dev       device.Device
	pageSize  uint32
	cacheSize uint64
	freelist  Freelist // nil until attached (env wires it in after construction, breaking the init cycle)

	pages map[uint64]*entry

	// totallist is the LRU address chain: head is most-recently-used,
	// tail is least-recently-used (oldest).
	head uint64
	tail uint64

	changeset *changeset.Changeset

	log *logger.Logger
	m   *metrics.Metrics
}

// New constructs a Manager over dev. The freelist is attached
// separately via AttachFreelist once constructed, since the freelist
// itself allocates pages through a PageAccessor backed by this
// Manager.
func New(dev device.Device, pageSize uint32, cacheSize uint64, cs *changeset.Changeset, log *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		dev:       dev,
		pageSize:  pageSize,
		cacheSize: cacheSize,
		pages:     make(map[uint64]*entry),
		changeset: cs,
		log:       log,
		m:         m,
	}
}

// AttachFreelist wires the freelist in after construction.
func (mgr *Manager) AttachFreelist(f Freelist) {
	mgr.freelist = f
}

// MarkDirty flags p as dirty and enters it into the current
// changeset, the single choke point every caller that mutates a
// page's payload must go through: it is what makes the purge guard
// (changeset.Contains) and CommitTxn's atomic flush see the page at
// all, instead of silently never tracking it.
func (mgr *Manager) MarkDirty(p *page.Page) {
	p.Dirty = true
	mgr.changeset.Add(p)
}

func (mgr *Manager) touch(addr uint64) {
	e, ok := mgr.pages[addr]
	if !ok {
		return
	}
	if mgr.head == addr {
		return
	}
	mgr.unlink(addr, e)
	mgr.linkFront(addr, e)
}

func (mgr *Manager) unlink(addr uint64, e *entry) {
	if e.prev != 0 {
		mgr.pages[e.prev].next = e.next
	} else if mgr.head == addr {
		mgr.head = e.next
	}
	if e.next != 0 {
		mgr.pages[e.next].prev = e.prev
	} else if mgr.tail == addr {
		mgr.tail = e.prev
	}
	e.prev, e.next = 0, 0
}

func (mgr *Manager) linkFront(addr uint64, e *entry) {
	e.prev = 0
	e.next = mgr.head
	if mgr.head != 0 {
		mgr.pages[mgr.head].prev = addr
	}
	mgr.head = addr
	if mgr.tail == 0 {
		mgr.tail = addr
	}
}

func (mgr *Manager) store(p *page.Page) {
	e, ok := mgr.pages[p.Address]
	if ok && e.page != nil {
		mgr.unlink(p.Address, e)
	} else if !ok {
		e = &entry{}
		mgr.pages[p.Address] = e
	}
	e.page = p
	e.isFree = false
	mgr.linkFront(p.Address, e)
}

// markFree flips the PageMap entry at addr to is_free=true for
// alloc_page step 1 to find later, unlinking it from the cache's LRU
// list if it was loaded. The entry itself is kept (not deleted) since
// it must survive a StoreState/LoadState round trip across a reopen.
func (mgr *Manager) markFree(addr uint64) {
	e, ok := mgr.pages[addr]
	if !ok {
		e = &entry{}
		mgr.pages[addr] = e
	} else if e.page != nil {
		mgr.unlink(addr, e)
		if mgr.m != nil {
			mgr.m.CacheBytesInUse.Add(-float64(mgr.pageSize))
		}
	}
	e.page = nil
	e.isFree = true
}

// reuseKnownFreePage implements alloc_page step 1: scan the PageMap for
// an address already marked is_free=true (always unloaded — markFree
// drops the cached payload when it sets the flag), flip it back to
// allocated, and read its contents back from disk. Returns (nil, nil)
// if nothing in the PageMap is currently free.
func (mgr *Manager) reuseKnownFreePage(db uint16) (*page.Page, error) {
	for _, addr := range mgr.addressesSorted() {
		e := mgr.pages[addr]
		if !e.isFree {
			continue
		}
		e.isFree = false

		data, err := mgr.dev.ReadAt(addr, mgr.pageSize)
		if err != nil {
			return nil, err
		}
		p := &page.Page{Address: addr, Payload: data, DB: db, Flags: page.FlagMalloc}
		e.page = p
		mgr.linkFront(addr, e)
		if mgr.m != nil {
			mgr.m.PagesFetchedTotal.Inc()
			mgr.m.CacheBytesInUse.Add(float64(mgr.pageSize))
		}
		return p, nil
	}
	return nil, nil
}

// FetchPage returns the page at address, serving it from cache when
// present. If onlyFromCache is true and the page is not cached, it
// returns (nil, nil) rather than reading the device.
func (mgr *Manager) FetchPage(db uint16, address uint64, onlyFromCache bool) (*page.Page, error) {
	if e, ok := mgr.pages[address]; ok && e.page != nil {
		mgr.touch(address)
		if mgr.m != nil {
			mgr.m.RecordCacheFetch(true)
		}
		return e.page, nil
	}

	if mgr.m != nil {
		mgr.m.RecordCacheFetch(false)
	}
	if onlyFromCache {
		return nil, nil
	}

	data, err := mgr.dev.ReadAt(address, mgr.pageSize)
	if err != nil {
		return nil, err
	}
	p := &page.Page{
		Address: address,
		Payload: data,
		DB:      db,
		Flags:   page.FlagMalloc,
	}
	mgr.store(p)
	if mgr.m != nil {
		mgr.m.PagesFetchedTotal.Inc()
		mgr.m.CacheBytesInUse.Add(float64(mgr.pageSize))
	}
	return p, nil
}

// AllocPage allocates a fresh page of the given type. Order of
// attempts, per alloc_page: (1) unless IgnoreFreelist is set, reuse an
// address the PageMap already knows is free; (2) ask the freelist for
// one whole free page; (3) extend the device.
func (mgr *Manager) AllocPage(db uint16, pageType page.Type, flags uint32) (*page.Page, error) {
	var p *page.Page
	var err error

	if flags&IgnoreFreelist == 0 {
		p, err = mgr.reuseKnownFreePage(db)
		if err != nil {
			return nil, err
		}
	}

	if p == nil {
		var address uint64
		if mgr.freelist != nil && flags&IgnoreFreelist == 0 {
			address, err = mgr.freelist.AllocPage()
			if err != nil {
				return nil, err
			}
		}

		if address == 0 {
			address = mgr.dev.Filesize()
			if err := mgr.dev.Truncate(address + uint64(mgr.pageSize)); err != nil {
				return nil, err
			}
		}

		// A freshly made() slice is already zeroed; ClearWithZero matters
		// for a page reused from the PageMap or freelist, whose payload
		// is zeroed below.
		payload := make([]byte, mgr.pageSize)
		p = &page.Page{Address: address, Payload: payload, DB: db, Flags: page.FlagMalloc}
		mgr.store(p)
		if mgr.m != nil {
			mgr.m.CacheBytesInUse.Add(float64(mgr.pageSize))
		}
	}

	p.Type = pageType
	p.DB = db
	p.Dirty = true
	if flags&ClearWithZero != 0 {
		for i := range p.Payload {
			p.Payload[i] = 0
		}
	}
	mgr.changeset.Add(p)
	if mgr.m != nil {
		mgr.m.RecordPageAllocation(pageTypeName(pageType))
	}
	return p, nil
}

func pageTypeName(t page.Type) string {
	switch t {
	case page.TypeHeader:
		return "header"
	case page.TypeBtreeRoot:
		return "btree_root"
	case page.TypeBtreeInterior:
		return "btree_interior"
	case page.TypeBlob:
		return "blob"
	case page.TypeFreelist:
		return "freelist"
	default:
		return "unknown"
	}
}

// FlushPage writes p to the device if it is dirty, honoring the
// write-ahead property: p may only be flushed once durableLSN is at
// least p.LastFlushedLSN (the highest LSN that modified it).
func (mgr *Manager) FlushPage(p *page.Page, durableLSN uint64) error {
	if !p.Dirty {
		return nil
	}
	if p.LastFlushedLSN > durableLSN {
		return herr.New(herr.IntegrityViolated)
	}
	if err := mgr.dev.WriteAt(p.Address, p.Payload); err != nil {
		return err
	}
	p.Dirty = false
	if mgr.m != nil {
		mgr.m.PagesFlushedTotal.Inc()
	}
	return nil
}

// FlushAllPages flushes every dirty page, bypassing the write-ahead
// check (durableLSN = max): callers use this when there is no WAL to
// anchor against (in-memory envs) or when the WAL has already been
// fsynced through the point covering every currently dirty page. If
// keepCached is false, the cache is cleared of evictable pages
// afterward.
func (mgr *Manager) FlushAllPages(keepCached bool) error {
	for _, addr := range mgr.addressesSorted() {
		e := mgr.pages[addr]
		if e.page == nil {
			continue
		}
		if err := mgr.FlushPage(e.page, ^uint64(0)); err != nil {
			return err
		}
	}
	mgr.changeset.Clear()
	if !keepCached {
		for _, addr := range mgr.addressesSorted() {
			e := mgr.pages[addr]
			if e.page != nil && e.page.Evictable() && !mgr.changeset.Contains(e.page) {
				mgr.evict(addr)
			}
		}
	}
	return nil
}

func (mgr *Manager) addressesSorted() []uint64 {
	out := make([]uint64, 0, len(mgr.pages))
	for addr := range mgr.pages {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (mgr *Manager) evict(addr uint64) {
	e := mgr.pages[addr]
	mgr.unlink(addr, e)
	delete(mgr.pages, addr)
	if mgr.m != nil {
		mgr.m.PagesPurgedTotal.Inc()
		mgr.m.CacheBytesInUse.Add(-float64(mgr.pageSize))
	}
}

// cacheIsFull reports whether the cache's current footprint exceeds
// its configured byte budget. Known-free, unloaded PageMap entries hold
// no payload and do not count toward this footprint.
func (mgr *Manager) cacheIsFull() bool {
	loaded, _ := mgr.GetMetrics()
	return uint64(loaded)*uint64(mgr.pageSize) > mgr.cacheSize
}

// PurgeCache evicts least-recently-used, evictable pages (malloc
// backed, clean, not the header page, not part of the in-flight
// changeset) until the cache fits its budget or purgeLimit pages have
// been evicted, whichever comes first.
func (mgr *Manager) PurgeCache() int {
	if !mgr.cacheIsFull() {
		return 0
	}
	start := time.Now()
	evicted := 0
	addr := mgr.tail
	for addr != 0 && evicted < purgeLimit && mgr.cacheIsFull() {
		e := mgr.pages[addr]
		prevAddr := e.prev
		if e.page.Evictable() && !mgr.changeset.Contains(e.page) {
			mgr.evict(addr)
			evicted++
		}
		addr = prevAddr
	}
	if mgr.log != nil {
		mgr.log.LogPurge(evicted, uint64(evicted)*uint64(mgr.pageSize), time.Since(start))
	}
	return evicted
}

// CloseDatabase flushes and evicts every cached page owned by db.
func (mgr *Manager) CloseDatabase(db uint16) error {
	for _, addr := range mgr.addressesSorted() {
		e := mgr.pages[addr]
		if e.page == nil || e.page.DB != db {
			continue
		}
		if err := mgr.FlushPage(e.page, ^uint64(0)); err != nil {
			return err
		}
		if e.page.Evictable() {
			mgr.evict(addr)
		}
	}
	return nil
}

// AddToFreelist hands a page's space to the freelist and flips its
// PageMap entry to is_free=true (add_to_freelist), unloading it from
// the cache if it was loaded. The caller must ensure the page is not
// part of an in-flight changeset.
func (mgr *Manager) AddToFreelist(p *page.Page) error {
	if mgr.freelist == nil {
		return nil
	}
	if err := mgr.freelist.FreePage(p.Address); err != nil {
		return err
	}
	mgr.markFree(p.Address)
	return nil
}

// FreeDatabasePages returns every currently cached page owned by db to
// the freelist, for EraseDatabase: unlike CloseDatabase (which merely
// evicts), this makes the space reusable. A page not presently in the
// cache has no tracked owner to match against in this layer — there is
// no B-tree page index here — so only cached pages are freed.
func (mgr *Manager) FreeDatabasePages(db uint16) error {
	for _, addr := range mgr.addressesSorted() {
		e := mgr.pages[addr]
		if e.page == nil || e.page.DB != db || e.page.IsHeader() {
			continue
		}
		if err := mgr.AddToFreelist(e.page); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes every page, reclaims trailing free file space via the
// freelist, and flushes once more (the reclaim may have freed pages
// that were themselves dirty headers of now-truncated regions).
func (mgr *Manager) Close() error {
	if err := mgr.FlushAllPages(false); err != nil {
		return err
	}
	if mgr.freelist != nil {
		mgr.freelist.Reclaim(mgr.dev.Filesize(), mgr.dev.Truncate)
	}
	return mgr.FlushAllPages(false)
}

// pageMapEntrySize is the on-disk size of one {address uint64, is_free
// uint8} tuple within a PageMap state blob.
const pageMapEntrySize = 9

// LoadState reconstructs the PageMap from a previously stored state
// blob: a uint32 count followed by {address uint64, is_free uint8}
// tuples, big-endian. Every decoded address becomes a known-free,
// unloaded entry — payloads themselves are never persisted here, only
// which addresses are free. An address this manager already has a
// loaded, non-free entry for (impossible on a fresh reopen, but not
// assumed away) is left untouched rather than overwritten.
func (mgr *Manager) LoadState(data []byte) error {
	if len(data) < 4 {
		return herr.New(herr.IntegrityViolated)
	}
	count := binary.BigEndian.Uint32(data[0:4])
	want := 4 + int(count)*pageMapEntrySize
	if len(data) != want {
		return herr.New(herr.IntegrityViolated)
	}
	off := 4
	for i := uint32(0); i < count; i++ {
		addr := binary.BigEndian.Uint64(data[off : off+8])
		isFree := data[off+8] != 0
		off += pageMapEntrySize
		if !isFree {
			continue
		}
		if e, ok := mgr.pages[addr]; ok && e.page != nil {
			continue
		}
		mgr.pages[addr] = &entry{isFree: true}
	}
	return nil
}

// StoreState encodes every known-free PageMap entry (loaded or not) as
// a uint32 count followed by {address uint64, is_free uint8} tuples,
// big-endian — the encoding is deliberately big-endian, unlike the
// little-endian layout used elsewhere in this module, matching the
// on-disk format this blob has always used. The caller (pkg/env) is
// responsible for writing the returned bytes through the blob manager
// and recording the resulting blob id in the header.
func (mgr *Manager) StoreState() []byte {
	addrs := mgr.addressesSorted()
	free := make([]uint64, 0, len(addrs))
	for _, addr := range addrs {
		if mgr.pages[addr].isFree {
			free = append(free, addr)
		}
	}

	buf := make([]byte, 4+len(free)*pageMapEntrySize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(free)))
	off := 4
	for _, addr := range free {
		binary.BigEndian.PutUint64(buf[off:off+8], addr)
		buf[off+8] = 1
		off += pageMapEntrySize
	}
	return buf
}

// GetMetrics returns current cache metrics. Known-free, unloaded
// PageMap entries occupy a map slot but hold no payload, so they are
// excluded from both counts.
func (mgr *Manager) GetMetrics() (cachedPages int, bytesInUse uint64) {
	for _, e := range mgr.pages {
		if e.page == nil {
			continue
		}
		cachedPages++
	}
	return cachedPages, uint64(cachedPages) * uint64(mgr.pageSize)
}
