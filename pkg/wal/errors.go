// Package wal implements write-ahead logging: durability for page
// writes ahead of their flush to the device, and crash recovery by
// replay.
package wal

import "errors"

var (
	// ErrCorrupted indicates a WAL entry whose CRC32 does not match its
	// bytes.
	ErrCorrupted = errors.New("wal: corrupted entry")

	// ErrLogClosed indicates an operation on a closed WAL.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrTruncated indicates a WAL entry whose bytes were cut short,
	// typically the torn tail of a file left by a crash mid-write.
	ErrTruncated = errors.New("wal: truncated entry")

	// ErrInvalidHeader indicates a log file whose leading magic/version
	// bytes do not match what this package writes.
	ErrInvalidHeader = errors.New("wal: invalid log file header")

	// ErrUnknownTxn indicates an append referencing a transaction id
	// that was never opened with BeginTxn, or was already closed.
	ErrUnknownTxn = errors.New("wal: unknown transaction")
)
