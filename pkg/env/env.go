package env

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nainya/hamstore/internal/logger"
	"github.com/nainya/hamstore/internal/metrics"
	"github.com/nainya/hamstore/pkg/blob"
	"github.com/nainya/hamstore/pkg/changeset"
	"github.com/nainya/hamstore/pkg/device"
	"github.com/nainya/hamstore/pkg/freelist"
	"github.com/nainya/hamstore/pkg/herr"
	"github.com/nainya/hamstore/pkg/page"
	"github.com/nainya/hamstore/pkg/pagemgr"
	"github.com/nainya/hamstore/pkg/wal"
)

var errInvalidFlagCombo = herr.New(herr.InvalidParameter)

// headerMagic identifies a hamstore main file (the page 0 layout).
var headerMagic = [4]byte{'H', 'S', 'T', 'R'}

const headerVersion = 1

// headerLayout: magic(4) version(1) reserved(3) pageSize(4)
// maxDatabases(2) reserved(2) firstFreelistPage(8) nameTableBlobID(8)
// pageMapBlobID(8) = 40.
const headerPayloadSize = 40

// Environment owns every durable substrate component for one storage
// file and is the single lock boundary across them: a single-writer,
// multi-reader model enforced with one mutex rather than per-component
// locks.
type Environment struct {
	mu sync.Mutex

	path   string
	config Config

	dev       device.Device
	pageMgr   *pagemgr.Manager
	freelist  *freelist.Freelist // nil when InMemory
	blobMgr   *blob.Manager
	wal       *wal.WAL // nil unless EnableRecovery
	changeset *changeset.Changeset

	databases map[uint16]string
	nextDBID  uint16

	poisoned    bool
	poisonCause error

	instanceID uuid.UUID
	log        *logger.Logger
	m          *metrics.Metrics
}

// Create initializes a brand-new environment at path.
func Create(path string, cfg Config) (*Environment, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := newEnvironment(path, cfg)

	var dev device.Device
	if cfg.Flags.has(InMemory) {
		dev = device.NewMemoryDevice()
	} else {
		dev = &device.FileDevice{Path: path, DisableMmap: cfg.Flags.has(DisableMmap)}
	}
	if err := dev.Create(); err != nil {
		return nil, err
	}
	e.dev = dev

	if err := e.wireComponents(0); err != nil {
		return nil, err
	}

	if _, err := e.pageMgr.AllocPage(0, page.TypeHeader, pagemgr.IgnoreFreelist); err != nil {
		return nil, e.poison(err)
	}
	e.databases = make(map[uint16]string)
	e.nextDBID = 1

	if err := e.writeHeader(0, 0); err != nil {
		return nil, e.poison(err)
	}
	if err := e.persistPageMapState(); err != nil {
		return nil, e.poison(err)
	}
	if err := e.pageMgr.FlushAllPages(true); err != nil {
		return nil, e.poison(err)
	}
	return e, nil
}

// Open reopens an existing environment at path, replaying the WAL
// first when EnableRecovery is set.
func Open(path string, cfg Config) (*Environment, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := newEnvironment(path, cfg)

	var dev device.Device
	if cfg.Flags.has(InMemory) {
		return nil, herr.New(herr.InvalidParameter) // an in-memory env cannot be reopened
	}
	dev = &device.FileDevice{Path: path, DisableMmap: cfg.Flags.has(DisableMmap)}
	if err := dev.Open(); err != nil {
		return nil, err
	}
	e.dev = dev

	firstFreelistPage, err := peekFreelistHeaderAddress(dev)
	if err != nil {
		return nil, err
	}

	if err := e.wireComponents(firstFreelistPage); err != nil {
		return nil, err
	}

	if cfg.Flags.has(EnableRecovery) {
		if _, err := wal.Replay(e.wal.LogPaths(), e, e.log); err != nil {
			return nil, e.poison(err)
		}
		if err := e.pageMgr.FlushAllPages(true); err != nil {
			return nil, e.poison(err)
		}
	}

	if err := e.readHeader(); err != nil {
		return nil, e.poison(err)
	}
	return e, nil
}

// peekFreelistHeaderAddress reads the firstFreelistPage field straight
// off the device, bypassing the page cache: wireComponents needs this
// value to reconnect the freelist's existing chain before anything
// else (including blob reads for the name table) can run, so it can't
// wait for the page manager or readHeader.
func peekFreelistHeaderAddress(dev device.Device) (uint64, error) {
	if dev.Filesize() < headerPayloadSize {
		return 0, nil
	}
	buf, err := dev.ReadAt(page.HeaderAddress, headerPayloadSize)
	if err != nil {
		return 0, err
	}
	if string(buf[0:4]) != string(headerMagic[:]) || buf[4] != headerVersion {
		return 0, herr.New(herr.IntegrityViolated)
	}
	return binary.LittleEndian.Uint64(buf[16:24]), nil
}

func newEnvironment(path string, cfg Config) *Environment {
	m := metrics.NewMetrics()
	// Every open handle gets its own correlation id so log lines from
	// concurrent environments (tests opening many in one process, or a
	// front-end juggling several files) can be told apart.
	instanceID := uuid.New()
	log := logger.GetGlobalLogger().WithFields(map[string]interface{}{"env_id": instanceID.String()})
	return &Environment{
		path:       path,
		config:     cfg,
		changeset:  changeset.New(),
		databases:  make(map[uint16]string),
		instanceID: instanceID,
		log:        log,
		m:          m,
	}
}

// wireComponents constructs pageMgr/freelist/blobMgr/wal in dependency
// order: device -> page cache -> freelist/blob -> WAL.
// firstFreelistPage is 0 for a brand
// new environment and the persisted chain head (from the header page)
// when reopening one, so the freelist picks up exactly where it left
// off instead of losing track of already-chained freelist pages.
func (e *Environment) wireComponents(firstFreelistPage uint64) error {
	e.pageMgr = pagemgr.New(e.dev, e.config.PageSize, e.config.CacheSize, e.changeset, e.log, e.m)

	if !e.config.Flags.has(InMemory) {
		fl := freelist.New(freelistPages{e}, firstFreelistPage, e.config.PageSize, e.m)
		e.freelist = fl
		e.pageMgr.AttachFreelist(fl)
	}

	e.blobMgr = blob.New(e, e.m)

	if e.config.Flags.has(EnableRecovery) {
		w, err := wal.Open(wal.Config{Dir: e.path + ".wal"}, e.log, e.m)
		if err != nil {
			return err
		}
		e.wal = w
	}
	return nil
}

// freelistPages adapts Environment's page cache to freelist.PageAccessor.
type freelistPages struct{ e *Environment }

func (f freelistPages) ReadPage(address uint64) ([]byte, error) {
	p, err := f.e.pageMgr.FetchPage(0, address, false)
	if err != nil {
		return nil, err
	}
	return p.Payload, nil
}

func (f freelistPages) WritePage(address uint64, payload []byte) error {
	p, err := f.e.pageMgr.FetchPage(0, address, false)
	if err != nil {
		return err
	}
	copy(p.Payload, payload)
	f.e.pageMgr.MarkDirty(p)
	return nil
}

func (f freelistPages) AllocPageForFreelist() (uint64, error) {
	p, err := f.e.pageMgr.AllocPage(0, page.TypeFreelist, pagemgr.IgnoreFreelist)
	if err != nil {
		return 0, err
	}
	return p.Address, nil
}

func (f freelistPages) PageSize() uint32 { return f.e.config.PageSize }

// --- blob.Space, implemented directly on Environment ---

func (e *Environment) AllocArea(size uint32) (uint64, error) {
	if e.freelist == nil {
		return 0, nil
	}
	return e.freelist.AllocArea(size)
}

func (e *Environment) FreeArea(address uint64, size uint32) error {
	if e.freelist == nil {
		return nil
	}
	return e.freelist.FreeArea(address, size)
}

func (e *Environment) ReadAt(address uint64, length uint32) ([]byte, error) {
	return e.dev.ReadAt(address, length)
}

func (e *Environment) WriteRaw(address uint64, data []byte) error {
	return e.dev.WriteAt(address, data)
}

func (e *Environment) Filesize() uint64 {
	return e.dev.Filesize()
}

func (e *Environment) Grow(size uint32) (uint64, error) {
	addr := e.dev.Filesize()
	if err := e.dev.Truncate(addr + uint64(size)); err != nil {
		return 0, err
	}
	return addr, nil
}

// --- wal.PageWriter, for replay ---

func (e *Environment) WriteAt(pageAddress uint64, offset uint32, data []byte) error {
	p, err := e.pageMgr.FetchPage(0, pageAddress, false)
	if err != nil {
		return err
	}
	if int(offset)+len(data) > len(p.Payload) {
		return herr.New(herr.IntegrityViolated)
	}
	copy(p.Payload[offset:], data)
	e.pageMgr.MarkDirty(p)
	return nil
}

// --- header page I/O ---

func (e *Environment) writeHeader(nameTableBlobID, pageMapBlobID uint64) error {
	hdr, err := e.pageMgr.FetchPage(0, page.HeaderAddress, true)
	if err != nil || hdr == nil {
		return fmt.Errorf("header page not cached: %w", err)
	}
	buf := hdr.Payload
	copy(buf[0:4], headerMagic[:])
	buf[4] = headerVersion
	binary.LittleEndian.PutUint32(buf[8:12], e.config.PageSize)
	binary.LittleEndian.PutUint16(buf[12:14], e.config.MaxDatabases)
	var firstFreelistPage uint64
	if e.freelist != nil {
		firstFreelistPage = e.freelist.HeaderAddress()
	}
	binary.LittleEndian.PutUint64(buf[16:24], firstFreelistPage)
	binary.LittleEndian.PutUint64(buf[24:32], nameTableBlobID)
	binary.LittleEndian.PutUint64(buf[32:40], pageMapBlobID)
	e.pageMgr.MarkDirty(hdr)
	return nil
}

func (e *Environment) readHeader() error {
	hdr, err := e.pageMgr.FetchPage(0, page.HeaderAddress, false)
	if err != nil {
		return err
	}
	buf := hdr.Payload
	if string(buf[0:4]) != string(headerMagic[:]) || buf[4] != headerVersion {
		return herr.New(herr.IntegrityViolated)
	}

	nameTableBlobID := binary.LittleEndian.Uint64(buf[24:32])
	e.databases = make(map[uint16]string)
	e.nextDBID = 1
	if nameTableBlobID != 0 {
		names, err := e.decodeNameTable(nameTableBlobID)
		if err != nil {
			return err
		}
		e.databases = names
		for id := range names {
			if id >= e.nextDBID {
				e.nextDBID = id + 1
			}
		}
	}

	pageMapBlobID := binary.LittleEndian.Uint64(buf[32:40])
	if pageMapBlobID != 0 {
		data, err := e.blobMgr.Read(pageMapBlobID)
		if err != nil {
			return err
		}
		if err := e.pageMgr.LoadState(data); err != nil {
			return err
		}
	}
	return nil
}

// --- database name table, persisted as a blob referenced from the header ---

func (e *Environment) decodeNameTable(blobID uint64) (map[uint16]string, error) {
	raw, err := e.blobMgr.Read(blobID)
	if err != nil {
		return nil, err
	}
	out := make(map[uint16]string)
	pos := 0
	for pos+4 <= len(raw) {
		id := binary.LittleEndian.Uint16(raw[pos : pos+2])
		nameLen := binary.LittleEndian.Uint16(raw[pos+2 : pos+4])
		pos += 4
		if pos+int(nameLen) > len(raw) {
			break
		}
		out[id] = string(raw[pos : pos+int(nameLen)])
		pos += int(nameLen)
	}
	return out, nil
}

func (e *Environment) encodeNameTable() []byte {
	ids := make([]uint16, 0, len(e.databases))
	for id := range e.databases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf []byte
	for _, id := range ids {
		name := e.databases[id]
		head := make([]byte, 4)
		binary.LittleEndian.PutUint16(head[0:2], id)
		binary.LittleEndian.PutUint16(head[2:4], uint16(len(name)))
		buf = append(buf, head...)
		buf = append(buf, []byte(name)...)
	}
	return buf
}

func (e *Environment) persistNameTable() error {
	hdr, err := e.pageMgr.FetchPage(0, page.HeaderAddress, true)
	if err != nil || hdr == nil {
		return fmt.Errorf("header page not cached")
	}
	oldBlobID := binary.LittleEndian.Uint64(hdr.Payload[24:32])

	encoded := e.encodeNameTable()
	var newBlobID uint64
	if oldBlobID == 0 {
		newBlobID, err = e.blobMgr.Allocate(encoded)
	} else {
		newBlobID, err = e.blobMgr.Overwrite(oldBlobID, encoded)
	}
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(hdr.Payload[24:32], newBlobID)
	e.pageMgr.MarkDirty(hdr)
	return nil
}

// --- PageMap state, persisted as a blob referenced from the header ---

// persistPageMapState writes the page manager's current PageMap
// free-address bookkeeping (pageMgr.StoreState) out as a blob and
// records its id in the header, so a reopen can recover which
// addresses are known free without rescanning the freelist.
func (e *Environment) persistPageMapState() error {
	hdr, err := e.pageMgr.FetchPage(0, page.HeaderAddress, true)
	if err != nil || hdr == nil {
		return fmt.Errorf("header page not cached")
	}
	oldBlobID := binary.LittleEndian.Uint64(hdr.Payload[32:40])

	encoded := e.pageMgr.StoreState()
	var newBlobID uint64
	if oldBlobID == 0 {
		newBlobID, err = e.blobMgr.Allocate(encoded)
	} else {
		newBlobID, err = e.blobMgr.Overwrite(oldBlobID, encoded)
	}
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(hdr.Payload[32:40], newBlobID)
	e.pageMgr.MarkDirty(hdr)
	return nil
}

// --- public operations ---

func (e *Environment) checkHealthy() error {
	if e.poisoned {
		return herr.New(herr.IntegrityViolated)
	}
	return nil
}

func (e *Environment) poison(cause error) error {
	e.poisoned = true
	e.poisonCause = cause
	if e.m != nil {
		e.m.EnvPoisoned.Set(1)
	}
	if e.log != nil {
		e.log.LogPoisoned(cause)
	}
	return herr.Wrap(herr.IntegrityViolated, cause)
}

// commitHeaderMutation runs mutate, which is expected to fetch the
// header page and dirty it (writeHeader/persistNameTable both do),
// and durably commits the result. When recovery is enabled, the
// header page's before/after image is logged to the WAL as one
// transaction and the WAL is forced to disk before the page is
// flushed — the write-ahead property. Without a WAL there is nothing
// to anchor to, so the page is flushed directly.
func (e *Environment) commitHeaderMutation(mutate func() error) error {
	if e.wal == nil {
		if err := mutate(); err != nil {
			return e.poison(err)
		}
		if err := e.pageMgr.FlushAllPages(true); err != nil {
			return e.poison(err)
		}
		return nil
	}

	hdr, err := e.pageMgr.FetchPage(0, page.HeaderAddress, false)
	if err != nil {
		return e.poison(err)
	}
	before := append([]byte(nil), hdr.Payload...)

	if err := mutate(); err != nil {
		return e.poison(err)
	}

	txnID, err := e.wal.BeginTxn()
	if err != nil {
		return e.poison(err)
	}
	if err := e.wal.AppendOverwrite(txnID, hdr.Address, 0, before, append([]byte(nil), hdr.Payload...)); err != nil {
		return e.poison(err)
	}
	durableLSN, err := e.wal.CommitTxn(txnID)
	if err != nil {
		return e.poison(err)
	}
	if err := e.changeset.Flush(durableLSN, e.pageMgr.FlushPage); err != nil {
		return e.poison(err)
	}
	return nil
}

// CreateDatabase registers a new database name and returns its id.
func (e *Environment) CreateDatabase(name string) (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkHealthy(); err != nil {
		return 0, err
	}
	if uint16(len(e.databases)) >= e.config.MaxDatabases {
		return 0, herr.New(herr.OutOfMemory)
	}
	for _, existing := range e.databases {
		if existing == name {
			return 0, herr.New(herr.DuplicateKey)
		}
	}

	id := e.nextDBID
	e.nextDBID++
	e.databases[id] = name

	if err := e.commitHeaderMutation(e.persistHeaderState); err != nil {
		return 0, err
	}
	return id, nil
}

// EraseDatabase drops a database's cached pages without flushing them,
// frees those pages to the freelist, and removes it from the name table.
func (e *Environment) EraseDatabase(id uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkHealthy(); err != nil {
		return err
	}
	if _, ok := e.databases[id]; !ok {
		return herr.New(herr.DatabaseNotFound)
	}

	if err := e.pageMgr.FreeDatabasePages(id); err != nil {
		return e.poison(err)
	}
	delete(e.databases, id)

	if err := e.commitHeaderMutation(e.persistHeaderState); err != nil {
		return err
	}
	return nil
}

// persistHeaderState re-encodes both blobs the header references — the
// name table and the PageMap free-address state — in one mutation, so
// commitHeaderMutation's single before/after WAL image covers both.
func (e *Environment) persistHeaderState() error {
	if err := e.persistNameTable(); err != nil {
		return err
	}
	return e.persistPageMapState()
}

// GetDatabaseNames returns a snapshot of the id-to-name table.
func (e *Environment) GetDatabaseNames() map[uint16]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint16]string, len(e.databases))
	for id, name := range e.databases {
		out[id] = name
	}
	return out
}

// Flush flushes every dirty page, then (if recovery is enabled) writes
// a checkpoint anchoring replay at the WAL's current LSN.
func (e *Environment) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkHealthy(); err != nil {
		return err
	}
	if err := e.persistPageMapState(); err != nil {
		return e.poison(err)
	}
	if err := e.pageMgr.FlushAllPages(true); err != nil {
		return e.poison(err)
	}
	if e.wal != nil {
		if err := e.wal.Checkpoint(e.wal.CurrentLSN()); err != nil {
			return e.poison(err)
		}
	}
	return nil
}

// GetMetrics returns the environment's metrics registry.
func (e *Environment) GetMetrics() *metrics.Metrics {
	return e.m
}

// Close flushes all state and releases the device.
func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poisoned {
		// A poisoned environment still releases its file descriptors;
		// only its data guarantees are void.
	} else if err := e.persistPageMapState(); err != nil {
		e.poison(err)
	} else if err := e.pageMgr.Close(); err != nil {
		e.poison(err)
	}

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return err
		}
	}
	return e.dev.Close()
}
