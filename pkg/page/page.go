// Package page defines the Page value object shared by the page cache,
// freelist, and blob manager.
package page

// Type tags a page's structural role.
type Type uint8

const (
	TypeHeader Type = iota
	TypeBtreeRoot
	TypeBtreeInterior
	TypeBlob
	TypeFreelist
)

// Flags describe how a page's backing memory is sourced.
type Flags uint8

const (
	// FlagMalloc marks a page whose payload is a plain Go slice; it can
	// be evicted from the cache.
	FlagMalloc Flags = 1 << iota

	// FlagMmap marks a page whose payload is a slice over a live mmap
	// mapping; eviction must not free this memory out from under the
	// mapping, so the cache never purges it.
	FlagMmap

	// FlagNoHeader marks a page that does not carry a page header
	// (currently unused by any page type produced here, kept for
	// on-disk format fidelity).
	FlagNoHeader
)

// HeaderAddress is the address of the one page that is never evicted or
// freed: the environment header page.
const HeaderAddress uint64 = 0

// Page is a single page-sized buffer plus its bookkeeping attributes.
// A Page with Address == HeaderAddress is the environment header page.
type Page struct {
	Address uint64
	Payload []byte

	Type  Type
	Dirty bool
	DB    uint16 // owning database id; 0 means "no owner"
	Flags Flags

	// LastFlushedLSN is the highest WAL LSN that is guaranteed durable
	// for this page's current contents; FlushPage may only write the
	// page once the WAL has been forced at least this far (the
	// write-ahead property).
	LastFlushedLSN uint64
}

// New creates a page of the given size, defaulting to malloc-backed
// (evictable) storage.
func New(address uint64, size uint32) *Page {
	return &Page{
		Address: address,
		Payload: make([]byte, size),
		Flags:   FlagMalloc,
	}
}

// IsHeader reports whether this is the never-freed environment header
// page.
func (p *Page) IsHeader() bool {
	return p.Address == HeaderAddress
}

// Evictable reports whether the cache is allowed to purge this page:
// malloc-backed, clean, and not the header page.
func (p *Page) Evictable() bool {
	return p.Flags&FlagMalloc != 0 && !p.Dirty && !p.IsHeader()
}
