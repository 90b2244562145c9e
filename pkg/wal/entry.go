package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Kind identifies what a WAL entry records.
type Kind byte

const (
	// KindTxnBegin opens a transaction; TxnID identifies it.
	KindTxnBegin Kind = 1

	// KindTxnCommit marks a transaction durable; every page it dirtied
	// may now be flushed once this entry's LSN is durable.
	KindTxnCommit Kind = 2

	// KindTxnAbort marks a transaction's changes as never committed;
	// replay must undo any OVERWRITE entries it wrote.
	KindTxnAbort Kind = 3

	// KindCheckpoint anchors replay: entries before the checkpoint's
	// referenced LSN are known flushed and can be skipped during
	// recovery.
	KindCheckpoint Kind = 4

	// KindFlushPage records a full-page image written to the device;
	// replay skips these entries.
	KindFlushPage Kind = 5

	// KindWrite records new bytes written into a fresh (previously
	// unwritten) region of a page; it carries no undo image, since
	// there was nothing there to restore.
	KindWrite Kind = 6

	// KindOverwrite records bytes written over an existing region; it
	// carries both the prior bytes (for undo, if the writing
	// transaction aborts) and the new bytes (for redo, if committed).
	KindOverwrite Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindTxnBegin:
		return "TXN_BEGIN"
	case KindTxnCommit:
		return "TXN_COMMIT"
	case KindTxnAbort:
		return "TXN_ABORT"
	case KindCheckpoint:
		return "CHECKPOINT"
	case KindFlushPage:
		return "FLUSH_PAGE"
	case KindWrite:
		return "WRITE"
	case KindOverwrite:
		return "OVERWRITE"
	default:
		return "UNKNOWN"
	}
}

// EntryHeaderSize is the fixed size of the entry header.
// Layout: LSN(8) PrevLSN(8) TxnID(8) Kind(1) Flags(1) Reserved(6)
// PageAddress(8) Offset(4) OldSize(4) NewSize(4) Timestamp(8) = 60.
const EntryHeaderSize = 60

// Entry is a single WAL record.
type Entry struct {
	LSN     uint64 // this entry's sequence number, strictly monotonic
	PrevLSN uint64 // previous LSN written by the same transaction, 0 if none
	TxnID   uint64
	Kind    Kind
	Flags   uint8

	PageAddress uint64 // page this entry touches; 0 for txn/checkpoint markers
	Offset      uint32 // byte offset within the page

	// OldPayload is the pre-image, present only on KindOverwrite (used
	// to undo an aborted transaction's in-place change). NewPayload is
	// the bytes written, present on KindWrite/KindOverwrite/KindFlushPage.
	OldPayload []byte
	NewPayload []byte

	Timestamp time.Time
}

// Encode serializes the entry: [Header(60)] [OldPayload] [NewPayload] [CRC32(4)].
func (e *Entry) Encode() []byte {
	oldLen := len(e.OldPayload)
	newLen := len(e.NewPayload)
	total := EntryHeaderSize + oldLen + newLen + 4

	buf := make([]byte, total)
	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.PrevLSN)
	binary.LittleEndian.PutUint64(buf[16:24], e.TxnID)
	buf[24] = byte(e.Kind)
	buf[25] = e.Flags
	binary.LittleEndian.PutUint64(buf[32:40], e.PageAddress)
	binary.LittleEndian.PutUint32(buf[40:44], e.Offset)
	binary.LittleEndian.PutUint32(buf[44:48], uint32(oldLen))
	binary.LittleEndian.PutUint32(buf[48:52], uint32(newLen))
	binary.LittleEndian.PutUint64(buf[52:60], uint64(e.Timestamp.Unix()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.OldPayload)
	offset += oldLen
	copy(buf[offset:], e.NewPayload)
	offset += newLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeEntry deserializes a WAL entry from bytes, validating its
// CRC32 checksum.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	oldLen := binary.LittleEndian.Uint32(data[44:48])
	newLen := binary.LittleEndian.Uint32(data[48:52])
	expectedSize := EntryHeaderSize + int(oldLen) + int(newLen) + 4
	if len(data) < expectedSize {
		return nil, ErrTruncated
	}

	storedCRC := binary.LittleEndian.Uint32(data[expectedSize-4 : expectedSize])
	computedCRC := crc32.ChecksumIEEE(data[:expectedSize-4])
	if storedCRC != computedCRC {
		return nil, ErrCorrupted
	}

	e := &Entry{
		LSN:         binary.LittleEndian.Uint64(data[0:8]),
		PrevLSN:     binary.LittleEndian.Uint64(data[8:16]),
		TxnID:       binary.LittleEndian.Uint64(data[16:24]),
		Kind:        Kind(data[24]),
		Flags:       data[25],
		PageAddress: binary.LittleEndian.Uint64(data[32:40]),
		Offset:      binary.LittleEndian.Uint32(data[40:44]),
	}
	ts := binary.LittleEndian.Uint64(data[52:60])
	e.Timestamp = time.Unix(int64(ts), 0)

	offset := EntryHeaderSize
	if oldLen > 0 {
		e.OldPayload = make([]byte, oldLen)
		copy(e.OldPayload, data[offset:offset+int(oldLen)])
		offset += int(oldLen)
	}
	if newLen > 0 {
		e.NewPayload = make([]byte, newLen)
		copy(e.NewPayload, data[offset:offset+int(newLen)])
	}

	return e, nil
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.OldPayload) + len(e.NewPayload) + 4
}

func (e *Entry) String() string {
	return fmt.Sprintf("WAL[LSN=%d PrevLSN=%d TxnID=%d Kind=%s Page=%d Offset=%d OldLen=%d NewLen=%d]",
		e.LSN, e.PrevLSN, e.TxnID, e.Kind, e.PageAddress, e.Offset, len(e.OldPayload), len(e.NewPayload))
}
