// Package device provides block-aligned storage backed either by a host
// file or by an in-memory arena.
package device

import "github.com/nainya/hamstore/pkg/herr"

// Device is the block-aligned storage abstraction the rest of the engine
// builds on. The page manager reads and writes whole, page-aligned
// pages; pkg/env's blob storage reads and writes arbitrary byte ranges
// through ReadAt/WriteAt as well. No implementation checks alignment.
// The WAL uses a separate file and does not go through a Device.
type Device interface {
	// Create initializes a brand-new, empty backing store.
	Create() error

	// Open opens an existing backing store.
	Open() error

	// Close releases the backing store's resources.
	Close() error

	// ReadAt reads len bytes starting at address.
	ReadAt(address uint64, length uint32) ([]byte, error)

	// WriteAt writes data starting at address.
	WriteAt(address uint64, data []byte) error

	// Truncate grows or shrinks the backing store to newSize bytes.
	Truncate(newSize uint64) error

	// Filesize returns the current size of the backing store in bytes.
	Filesize() uint64

	// SupportsMmap reports whether MapPage can be used.
	SupportsMmap() bool

	// MapPage returns a byte slice mapped directly onto the page at
	// address, valid until the next Truncate/Close. Returns IOError if
	// the device does not support mmap.
	MapPage(address uint64, length uint32) ([]byte, error)
}

func errNotMapped() error {
	return herr.New(herr.IOError)
}
