// Package changeset tracks the set of pages dirtied by the operation
// currently in flight, so they can be flushed atomically with the WAL
// once it has been forced durable.
package changeset

import "github.com/nainya/hamstore/pkg/page"

// Changeset is the per-environment set of pages dirtied by the
// operation currently in progress.
type Changeset struct {
	pages map[uint64]*page.Page
}

func New() *Changeset {
	return &Changeset{pages: make(map[uint64]*page.Page)}
}

// Add marks page p as part of the in-flight operation's changeset.
func (c *Changeset) Add(p *page.Page) {
	c.pages[p.Address] = p
}

// Contains reports whether p is part of the in-flight changeset; the
// page cache's purge pass must never evict such a page.
func (c *Changeset) Contains(p *page.Page) bool {
	_, ok := c.pages[p.Address]
	return ok
}

// Pages returns the pages currently tracked, in address order, so that
// flush order is deterministic.
func (c *Changeset) Pages() []*page.Page {
	out := make([]*page.Page, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	// simple insertion sort by address: changesets are small (bounded
	// by one operation's worth of dirtied pages)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Address > out[j].Address; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Len reports how many pages are currently tracked.
func (c *Changeset) Len() int {
	return len(c.pages)
}

// Clear empties the changeset. Flush calls it once every page has been
// flushed. It only forgets the tracked pages: their payloads and dirty
// flags are left as they are, and no caller clears the changeset after
// a failed operation.
func (c *Changeset) Clear() {
	c.pages = make(map[uint64]*page.Page)
}

// Flush flushes every tracked page via flushFn, then clears the
// changeset. flushFn is expected to honor the write-ahead property
// itself (it will typically be pagemgr.Manager.FlushPage, which checks
// LastFlushedLSN against the WAL's durable LSN). lsn is the highest LSN
// the caller has already forced durable; it is passed through so
// flushFn can assert write-ahead ordering.
func (c *Changeset) Flush(lsn uint64, flushFn func(p *page.Page, durableLSN uint64) error) error {
	for _, p := range c.Pages() {
		if err := flushFn(p, lsn); err != nil {
			return err
		}
	}
	c.Clear()
	return nil
}
