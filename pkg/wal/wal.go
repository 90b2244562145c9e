package wal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nainya/hamstore/internal/logger"
	"github.com/nainya/hamstore/internal/metrics"
)

// fileHeaderMagic identifies a hamstore WAL file.
var fileHeaderMagic = [4]byte{'H', 'L', 'O', 'G'}

const fileHeaderVersion = 1

// fileHeaderSize is the fixed leading header of every log file:
// magic(4) version(1) reserved(3) generation(8) = 16 bytes. generation
// orders the two rotating files so Open() knows which is newer.
const fileHeaderSize = 16

// DefaultMaxEntriesPerFile is the entry-count rotation threshold:
// rotation is entry-count based, not size based.
const DefaultMaxEntriesPerFile = 10000

// Config configures a WAL instance.
type Config struct {
	// Dir is the directory the two rotating log files live in.
	Dir string
	// MaxEntriesPerFile is the rotation threshold; 0 selects
	// DefaultMaxEntriesPerFile.
	MaxEntriesPerFile int
}

// WAL is the write-ahead log: two rotating files (log.0, log.1),
// written to in strict LSN order, with per-transaction previous-LSN
// back-chains so replay can walk each transaction's entries without a
// separate index.
type WAL struct {
	dir               string
	maxEntriesPerFile int

	mu      sync.Mutex
	fd      *os.File
	active  int // 0 or 1: index of the file currently open for append
	gen     uint64
	entries int // entries written to the active file since it was opened

	lsn uint64 // atomic: last LSN handed out

	// openTxns maps an in-flight transaction to the LSN of its most
	// recently appended entry, forming the back-chain; rotation is
	// deferred while any transaction is open; so is a checkpoint flush
	// boundary's full consistency, since their preceding bytes are
	// still reachable in a file being retired.
	openTxns map[uint64]uint64
	nextTxn  uint64

	lastCheckpointLSN uint64
	closed            bool

	log *logger.Logger
	m   *metrics.Metrics
}

// Open opens (creating if necessary) the two rotating log files and
// positions the WAL to continue appending after the newer one's last
// valid entry.
func Open(cfg Config, log *logger.Logger, m *metrics.Metrics) (*WAL, error) {
	maxEntries := cfg.MaxEntriesPerFile
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntriesPerFile
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	w := &WAL{
		dir:               cfg.Dir,
		maxEntriesPerFile: maxEntries,
		openTxns:          make(map[uint64]uint64),
		log:               log,
		m:                 m,
	}

	gens := [2]uint64{0, 0}
	exists := [2]bool{}
	for i := 0; i < 2; i++ {
		gen, ok, err := readFileGeneration(w.logFilePath(i))
		if err != nil {
			return nil, err
		}
		gens[i], exists[i] = gen, ok
	}

	active := 0
	switch {
	case exists[0] && exists[1]:
		if gens[1] > gens[0] {
			active = 1
		}
	case exists[1] && !exists[0]:
		active = 1
	}

	if !exists[0] && !exists[1] {
		if err := w.createLogFile(0, 1); err != nil {
			return nil, err
		}
		if err := w.createLogFile(1, 0); err != nil {
			return nil, err
		}
		active = 0
		gens[0] = 1
	} else if !exists[1-active] {
		// The partner of the active file is missing (first run, or a
		// prior crash mid-rotation); recreate it at generation 0 so it
		// sorts behind whatever is active.
		other := 1 - active
		if err := w.createLogFile(other, 0); err != nil {
			return nil, err
		}
	}

	// Drop any partial entry a crash left at the end of the active file,
	// so new entries follow the last valid one.
	if err := TruncateTornTail(w.logFilePath(active)); err != nil {
		return nil, err
	}

	fd, err := os.OpenFile(w.logFilePath(active), os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w.fd = fd
	w.active = active
	w.gen = gens[active]

	maxLSN, entryCount, err := w.scanActiveFile()
	if err != nil {
		fd.Close()
		return nil, err
	}
	// The other file holds the higher LSNs when the active one was just
	// rotated in and is still empty.
	older, _, err := readEntriesTolerant(w.logFilePath(1 - active))
	if err != nil {
		fd.Close()
		return nil, err
	}
	for _, e := range older {
		if e.LSN > maxLSN {
			maxLSN = e.LSN
		}
	}
	atomic.StoreUint64(&w.lsn, maxLSN)
	w.entries = entryCount

	if _, err := fd.Seek(0, io.SeekEnd); err != nil {
		fd.Close()
		return nil, err
	}

	return w, nil
}

func (w *WAL) logFilePath(index int) string {
	return filepath.Join(w.dir, "log."+string(rune('0'+index)))
}

func (w *WAL) createLogFile(index int, generation uint64) error {
	fd, err := os.OpenFile(w.logFilePath(index), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer fd.Close()
	return writeFileHeader(fd, generation)
}

func writeFileHeader(fd *os.File, generation uint64) error {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:4], fileHeaderMagic[:])
	buf[4] = fileHeaderVersion
	binary.LittleEndian.PutUint64(buf[8:16], generation)
	if _, err := fd.WriteAt(buf, 0); err != nil {
		return err
	}
	return fd.Sync()
}

func readFileGeneration(path string) (uint64, bool, error) {
	fd, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer fd.Close()

	buf := make([]byte, fileHeaderSize)
	if _, err := fd.ReadAt(buf, 0); err != nil {
		return 0, false, err
	}
	if string(buf[0:4]) != string(fileHeaderMagic[:]) || buf[4] != fileHeaderVersion {
		return 0, false, ErrInvalidHeader
	}
	return binary.LittleEndian.Uint64(buf[8:16]), true, nil
}

// scanActiveFile reads every entry in the currently active file, up to
// the first decode failure (the torn tail of an in-progress write at
// crash time), and returns the highest LSN seen plus the entry count.
func (w *WAL) scanActiveFile() (uint64, int, error) {
	entries, _, err := readEntriesTolerant(w.logFilePath(w.active))
	if err != nil {
		return 0, 0, err
	}
	var maxLSN uint64
	for _, e := range entries {
		if e.LSN > maxLSN {
			maxLSN = e.LSN
		}
	}
	return maxLSN, len(entries), nil
}

// NextLSN allocates and returns the next log sequence number.
func (w *WAL) NextLSN() uint64 {
	return atomic.AddUint64(&w.lsn, 1)
}

// CurrentLSN returns the most recently allocated LSN without
// allocating a new one.
func (w *WAL) CurrentLSN() uint64 {
	return atomic.LoadUint64(&w.lsn)
}

// BeginTxn opens a new transaction and returns its id.
func (w *WAL) BeginTxn() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrLogClosed
	}

	w.nextTxn++
	txnID := w.nextTxn

	lsn := w.NextLSN()
	e := &Entry{LSN: lsn, TxnID: txnID, Kind: KindTxnBegin, Timestamp: time.Now()}
	if err := w.appendLocked(e); err != nil {
		return 0, err
	}
	w.openTxns[txnID] = lsn
	return txnID, nil
}

// AppendWrite records bytes written into a previously-unwritten region
// of a page; no undo image is needed since there is nothing to revert
// to on abort.
func (w *WAL) AppendWrite(txnID, pageAddress uint64, offset uint32, newData []byte) error {
	return w.appendPageEntry(KindWrite, txnID, pageAddress, offset, nil, newData)
}

// AppendOverwrite records bytes written over an existing region,
// carrying the prior bytes so an abort can undo it.
func (w *WAL) AppendOverwrite(txnID, pageAddress uint64, offset uint32, oldData, newData []byte) error {
	return w.appendPageEntry(KindOverwrite, txnID, pageAddress, offset, oldData, newData)
}

func (w *WAL) appendPageEntry(kind Kind, txnID, pageAddress uint64, offset uint32, oldData, newData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	prevLSN, ok := w.openTxns[txnID]
	if !ok {
		return ErrUnknownTxn
	}

	lsn := w.NextLSN()
	e := &Entry{
		LSN: lsn, PrevLSN: prevLSN, TxnID: txnID, Kind: kind,
		PageAddress: pageAddress, Offset: offset,
		OldPayload: oldData, NewPayload: newData,
		Timestamp: time.Now(),
	}
	if err := w.appendLocked(e); err != nil {
		return err
	}
	w.openTxns[txnID] = lsn
	return nil
}

// AppendFlushPage records a full-page image just written to the
// device, outside of any transaction. Replay skips these entries; it
// does not redo the image.
func (w *WAL) AppendFlushPage(pageAddress uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	lsn := w.NextLSN()
	e := &Entry{LSN: lsn, Kind: KindFlushPage, PageAddress: pageAddress, NewPayload: payload, Timestamp: time.Now()}
	return w.appendLocked(e)
}

// CommitTxn marks txnID durable; appends a TXN_COMMIT entry and
// forces the log to disk so the write-ahead property holds for every
// page the transaction touched.
func (w *WAL) CommitTxn(txnID uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrLogClosed
	}
	prevLSN, ok := w.openTxns[txnID]
	if !ok {
		return 0, ErrUnknownTxn
	}

	lsn := w.NextLSN()
	e := &Entry{LSN: lsn, PrevLSN: prevLSN, TxnID: txnID, Kind: KindTxnCommit, Timestamp: time.Now()}
	if err := w.appendLocked(e); err != nil {
		return 0, err
	}
	delete(w.openTxns, txnID)

	if err := w.fd.Sync(); err != nil {
		return 0, err
	}
	w.maybeRotateLocked()
	return lsn, nil
}

// AbortTxn marks txnID as never committed; replay will undo any
// OVERWRITE entries it wrote.
func (w *WAL) AbortTxn(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	prevLSN, ok := w.openTxns[txnID]
	if !ok {
		return ErrUnknownTxn
	}

	lsn := w.NextLSN()
	e := &Entry{LSN: lsn, PrevLSN: prevLSN, TxnID: txnID, Kind: KindTxnAbort, Timestamp: time.Now()}
	if err := w.appendLocked(e); err != nil {
		return err
	}
	delete(w.openTxns, txnID)
	w.maybeRotateLocked()
	return nil
}

// Checkpoint appends a CHECKPOINT entry referencing durableLSN (the
// highest LSN whose pages are now guaranteed flushed), allowing replay
// to skip everything at or before it.
func (w *WAL) Checkpoint(durableLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}

	lsn := w.NextLSN()
	e := &Entry{LSN: lsn, Kind: KindCheckpoint, PageAddress: durableLSN, Timestamp: time.Now()}
	if err := w.appendLocked(e); err != nil {
		return err
	}
	if err := w.fd.Sync(); err != nil {
		return err
	}
	w.lastCheckpointLSN = durableLSN
	rotated := w.maybeRotateLocked()
	if w.log != nil {
		w.log.LogCheckpoint(durableLSN, rotated)
	}
	return nil
}

func (w *WAL) appendLocked(e *Entry) error {
	start := time.Now()
	data := e.Encode()
	if _, err := w.fd.Write(data); err != nil {
		return err
	}
	w.entries++
	if w.m != nil {
		w.m.RecordWalAppend(e.Kind.String(), time.Since(start))
		w.m.WalCurrentLSN.Set(float64(e.LSN))
	}
	return nil
}

// maybeRotateLocked switches the active file to the other slot once
// the entry-count threshold is passed, but only when no transaction is
// currently open — rotating mid-transaction would put its back-chain
// at risk, since the rotation after that truncates the file holding
// the chain's start. Returns whether a rotation happened.
func (w *WAL) maybeRotateLocked() bool {
	if w.entries < w.maxEntriesPerFile || len(w.openTxns) > 0 {
		return false
	}

	if err := w.fd.Sync(); err != nil {
		return false
	}
	if err := w.fd.Close(); err != nil {
		return false
	}

	next := 1 - w.active
	newGen := w.gen + 1
	if err := w.createLogFile(next, newGen); err != nil {
		return false
	}
	fd, err := os.OpenFile(w.logFilePath(next), os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	if _, err := fd.Seek(0, io.SeekEnd); err != nil {
		fd.Close()
		return false
	}

	w.fd = fd
	w.active = next
	w.gen = newGen
	w.entries = 0
	if w.m != nil {
		w.m.WalRotationsTotal.Inc()
	}
	return true
}

// Fsync forces the active log file durable.
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	return w.fd.Sync()
}

// Close closes the active log file. Any still-open transactions remain
// recorded on disk as uncommitted and will be undone on next replay.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fd.Close()
}

// LogPaths returns both rotating log file paths (log.0, then log.1),
// for use by Replay, which orders their entries by LSN.
func (w *WAL) LogPaths() []string {
	return []string{w.logFilePath(0), w.logFilePath(1)}
}
