/*
Shared buffer pool manager caches disk pages in memory and arbitrates the access from many workers.
Disk IO is expensive so data should be cached on memory and shared buffer pool manager is responsible for this.

the implementation is based on /src/backend/storage/buffer in postgres.
see great README: https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L1

the methods as main entry point is described below
https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L15-L30

----

access rules for buffers:
- pin/unpin for cache eviction policy: see descriptor.go
- content locks for read/write page within buffer

the flow when read the page in the buffer is described below:
- pin the buffer (Worker.ReadBuffer) -> acquire shared content lock -> read the page
- -> release content lock -> unpin the buffer (Unpin)

the flow when update the page is described below:
- pin the buffer -> acquire exclusive content lock -> update the page -> MarkDirty
- -> release content lock -> unpin the buffer
- this can prevent other goroutine from seeing partially updated data

the caller which wants to do io by itself uses the lower level api:
- Worker.Pin -> (on miss) read the page into GetPage() -> CompleteLoad (or AbortLoad on failure)

-----

# The list of locks used for buffer

- buffer content lock: protects each buffer content(page). sync.RWMutex in descriptor
- buffer header lock: protects each buffer header. spin lock bit in state (see descriptor.go)
- BM_IO_IN_PROGRESS flag and io lock: kind of lock for each buffer io (see io.go)
- buffer strategy lock: protects free list and clock hand wrap-around (see clock_sweep.go)
- buffer mapping lock: protects each partition of buffer table (see table.go)

lock order: buffer mapping lock -> buffer header lock.
io lock and content lock are never acquired while header lock is held.

see for more details: https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L100-L152

------

Postgres adopts steal/no-force policy, so does bufmgr.
The dirty page may be written out before commit, but not before the wal describing the change.
So the wal up to the lsn of the page is flushed before the page is written (wal gate, see FlushBuffer).
*/
package buffer

import (
	"log/slog"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

// StorageManager reads/writes pages on disk. disk.Manager implements this
type StorageManager interface {
	ReadPage(rel common.Relation, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr) error
	WritePage(rel common.Relation, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr) error
	ExtendPage(rel common.Relation, forkNum disk.ForkNumber) (page.PageID, error)
	Writeback(reqs []disk.WritebackRequest) error
}

// WAL decides whether the page may be written out
type WAL interface {
	// NeedsFlush checks whether the wal up to lsn has not been flushed yet
	NeedsFlush(lsn common.WALRecordPtr) bool
	// Flush flushes the wal up to lsn
	Flush(lsn common.WALRecordPtr) error
}

// noWAL is used when no wal is attached. every lsn is considered flushed
type noWAL struct{}

func (noWAL) NeedsFlush(common.WALRecordPtr) bool { return false }
func (noWAL) Flush(common.WALRecordPtr) error     { return nil }

// Option configures Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithWAL sets the wal which gates page writes
func WithWAL(wal WAL) Option {
	return func(m *Manager) {
		m.wal = wal
	}
}

// Manager manages shared buffer pool
type Manager struct {
	smgr   StorageManager
	wal    WAL
	logger *slog.Logger
	cfg    Config
	// maxUsage is the max usage count of buffer
	maxUsage uint32
	// shared buffers and their descriptors
	pool *pool
	// table is mapping from buffer tag to buffer id
	table *bufferTable
	// sc is buffer replacement strategy
	sc *strategyControl
	// workers registered. used for waking up pin count waiter
	workers      *xsync.MapOf[common.WorkerID, *Worker]
	nextWorkerID atomic.Uint32
	stats        counters
}

// counters is the statistics of manager
type counters struct {
	hits      atomic.Uint64
	reads     atomic.Uint64
	writes    atomic.Uint64
	evictions atomic.Uint64
	ioErrors  atomic.Uint64
}

// NewManager initializes the shared buffer pool manager
func NewManager(smgr StorageManager, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cfg.Validate failed")
	}
	table, err := newBufferTable(cfg.Partitions)
	if err != nil {
		return nil, errors.Wrap(err, "newBufferTable failed")
	}
	p := newPool(cfg.PoolSize)
	m := &Manager{
		smgr:     smgr,
		wal:      noWAL{},
		logger:   slog.Default(),
		cfg:      cfg,
		maxUsage: uint32(cfg.MaxUsageCount),
		pool:     p,
		table:    table,
		sc:       newStrategyControl(p),
		workers:  xsync.NewMapOf[common.WorkerID, *Worker](),
	}
	for _, opt := range opts {
		opt(m)
	}
	p.contention.logger = m.logger
	m.logger.Info("buffer: shared buffer pool initialized",
		"buffers", cfg.PoolSize,
		"size", humanize.IBytes(uint64(cfg.PoolSize)*bufferSize),
		"partitions", cfg.Partitions,
	)
	return m, nil
}

// PoolSize returns the number of shared buffers
func (m *Manager) PoolSize() int {
	return m.pool.size()
}

// NewAccessStrategy initializes access strategy sized for this pool
func (m *Manager) NewAccessStrategy(typ AccessStrategyType) *AccessStrategy {
	return NewAccessStrategy(typ, m.pool.size())
}

// descriptorOf returns the descriptor. the invalid buffer id is protocol violation
func (m *Manager) descriptorOf(bufID BufferID) *descriptor {
	if !m.pool.valid(bufID) {
		protocolViolation("invalid buffer id %d", bufID)
	}
	return m.pool.descriptor(bufID)
}

// pinnedExisting decides whether the buffer found in the table (and pinned) is a hit.
// if the buffer is not valid, someone else is loading it or the previous load failed.
// the former is a hit after waiting the io. in the latter case, the caller has to load it.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1150-L1172
func (m *Manager) pinnedExisting(bufID BufferID, valid bool) (BufferID, bool) {
	if !valid && m.startBufferIO(bufID, true) {
		return bufID, false
	}
	m.stats.hits.Add(1)
	return bufID, true
}

// CompleteLoad marks the buffer valid after the caller read the page into the buffer
// the caller must own the read io (Pin returned false)
func (m *Manager) CompleteLoad(bufID BufferID) {
	m.descriptorOf(bufID)
	m.stats.reads.Add(1)
	m.terminateBufferIO(bufID, false, flagValid)
}

// AbortLoad records the failure of read io. the buffer is left not valid with BM_IO_ERROR
// and the next Pin of the tag reports miss again. the caller still holds the pin
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4440
func (m *Manager) AbortLoad(bufID BufferID) {
	desc := m.descriptorOf(bufID)
	m.stats.ioErrors.Add(1)
	m.logger.Warn("buffer: could not read page", "buffer", bufID, "tag", desc.tag)
	m.terminateBufferIO(bufID, false, flagIOError)
}

// Unpin unpins the buffer. if dirty is true, the buffer is marked dirty before unpin
// the buffer returned by Pin/ReadBuffer must be unpinned after the caller completes using it
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L3932
func (m *Manager) Unpin(bufID BufferID, dirty bool) {
	desc := m.descriptorOf(bufID)
	if dirty {
		desc.setDirty()
	}
	m.unpinBuffer(desc)
}

// unpinBuffer unpins the buffer and wakes up the pin count waiter
// when the waiter's own pin is the only one left
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1733
func (m *Manager) unpinBuffer(desc *descriptor) {
	st := desc.unpin()
	if !st.has(flagPinCountWaiter) {
		return
	}
	var waiter common.WorkerID
	desc.withHeaderLock(func(st state) state {
		if st.has(flagPinCountWaiter) && st.refCount() == 1 {
			waiter = desc.waitWorker
			return st.clear(flagPinCountWaiter)
		}
		return st
	})
	if waiter != common.InvalidWorkerID {
		m.wakeWorker(waiter)
	}
}

// MarkDirty turns on the dirty bit of the buffer
// the caller has to hold pin and exclusive content lock
// https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1583
func (m *Manager) MarkDirty(bufID BufferID) {
	m.descriptorOf(bufID).setDirty()
}

// IsValid checks whether the buffer holds valid page
func (m *Manager) IsValid(bufID BufferID) bool {
	return m.descriptorOf(bufID).loadState().has(flagValid)
}

// GetTag returns the tag of the buffer. the tag is stable while the caller holds pin
func (m *Manager) GetTag(bufID BufferID) Tag {
	desc := m.descriptorOf(bufID)
	var t Tag
	desc.withHeaderLock(func(st state) state {
		t = desc.tag
		return st
	})
	return t
}

// GetPage returns page stored at the buffer
func (m *Manager) GetPage(bufID BufferID) page.PagePtr {
	m.descriptorOf(bufID)
	return m.pool.page(bufID)
}

// AcquireContentLock acquires buffer content lock
// content lock has to be held when read/write page(buffer content)
func (m *Manager) AcquireContentLock(bufID BufferID, exclusive bool) {
	desc := m.descriptorOf(bufID)
	if exclusive {
		desc.contentLock.Lock()
	} else {
		desc.contentLock.RLock()
	}
}

// ReleaseContentLock releases buffer content lock
func (m *Manager) ReleaseContentLock(bufID BufferID, exclusive bool) {
	desc := m.descriptorOf(bufID)
	if exclusive {
		desc.contentLock.Unlock()
	} else {
		desc.contentLock.RUnlock()
	}
}

// FlushBuffer writes the buffer out to disk if it is dirty
// the caller must hold a pin and must not hold content lock
func (m *Manager) FlushBuffer(bufID BufferID) error {
	desc := m.descriptorOf(bufID)
	if desc.loadState().refCount() == 0 {
		protocolViolation("flush buffer %d which is not pinned", bufID)
	}
	// for preventing update of the page by other goroutine, acquire shared content lock
	desc.contentLock.RLock()
	defer desc.contentLock.RUnlock()
	return m.flushBuffer(bufID)
}

// flushBuffer writes the buffer out to disk
// the caller must hold a pin for preventing eviction
// and also must hold shared content lock for preventing the content updated during flush.
// Additionaly, in this function, bmIOInProgress (kind of lock for io) is held during IO
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L2823
func (m *Manager) flushBuffer(bufID BufferID) error {
	// if the buffer has been written by other goroutine, nothing to do
	if !m.startBufferIO(bufID, false) {
		return nil
	}
	desc := m.pool.descriptor(bufID)
	p := m.pool.page(bufID)

	// the lsn must be read under header lock because hint bit update may change the page under shared content lock
	// clear just dirtied flag so that the dirty after here is not lost (terminateBufferIO keeps dirty bit then)
	st := desc.lockHeader()
	lsn := page.GetLSN(p)
	t := desc.tag
	st = st.clear(flagJustDirtied)
	desc.unlockHeader(st)

	// the wal describing the change must be flushed before the page (write-ahead log rule)
	// unlogged relation doesn't need this, but every shared relation is logged here
	if st.has(flagPermanent) {
		if err := m.wal.Flush(lsn); err != nil {
			m.terminateBufferIO(bufID, false, flagIOError)
			return errors.Wrap(err, "wal.Flush failed")
		}
	}

	if err := m.smgr.WritePage(t.Rel, t.ForkNum, t.PageID, p); err != nil {
		m.stats.ioErrors.Add(1)
		m.logger.Warn("buffer: could not write page", "buffer", bufID, "tag", t, "err", err)
		// the buffer stays dirty
		m.terminateBufferIO(bufID, false, flagIOError)
		return errors.Wrapf(ErrIOFailure, "write %+v: %v", t, err)
	}
	m.stats.writes.Add(1)
	// the buffer is clean unless re-dirtied during the write
	m.terminateBufferIO(bufID, true, 0)
	return nil
}

// invalidateVictimBuffer removes the mapping of victim buffer and clears its tag.
// the caller must hold the only pin. if the buffer is pinned or dirtied by others meanwhile, false is returned
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/storage/buffer/bufmgr.c#L1645
func (m *Manager) invalidateVictimBuffer(desc *descriptor) bool {
	// the tag is stable because the caller holds pin
	t := desc.tag
	p := m.table.partitionFor(t.hashCode())
	p.Lock()
	defer p.Unlock()

	st := desc.lockHeader()
	// someone else pinned or dirtied the buffer. give up the buffer
	if st.refCount() != 1 || st.has(flagDirty) {
		desc.unlockHeader(st)
		return false
	}
	desc.tag = invalidTag
	desc.unlockHeader(emptyState(st))
	p.deleteLocked(t)
	return true
}

// emptyState clears flags and usage count. only ref count remains
func emptyState(st state) state {
	return st.clear(flag(flagMask)).withUsage(0)
}

// dropFullScanDivisor decides when dropping a range of pages scans the whole pool
// instead of looking up each page in buffer table (BUF_DROP_FULL_SCAN_THRESHOLD is NBuffers / 32)
const dropFullScanDivisor = 32

// DropRelationBuffers removes all the buffers of the relation from the pool without writing them.
// this is used when the relation is dropped. the buffers are returned to free list.
// if some buffers are pinned, they are skipped and ErrBufferPinned is returned
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L3120
func (m *Manager) DropRelationBuffers(rel common.Relation) error {
	return m.dropBuffersByScan(rel, func(t Tag) bool { return t.Rel == rel })
}

/*
DropRelationForkBuffers removes the buffers of pages [firstPage, firstPage+nPages) of the relation fork
without writing them. this is used when the relation fork is truncated.
when the range is small compared with the pool, each page is looked up in buffer table,
otherwise the whole pool is scanned like DropRelationBuffers.

see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L3255
*/
func (m *Manager) DropRelationForkBuffers(rel common.Relation, forkNum disk.ForkNumber, firstPage page.PageID, nPages uint32) error {
	if nPages == 0 {
		return nil
	}
	if int(nPages) >= m.pool.size()/dropFullScanDivisor {
		return m.dropBuffersByScan(rel, func(t Tag) bool {
			return t.Rel == rel && t.ForkNum == forkNum &&
				t.PageID >= firstPage && uint32(t.PageID-firstPage) < nPages
		})
	}
	pinned := 0
	dropped := 0
	for i := uint32(0); i < nPages; i++ {
		t := NewTag(rel, forkNum, firstPage+page.PageID(i))
		// the buffer may be re-tagged after lookup. invalidateBuffer checks the tag again under the locks
		bufID, ok := m.table.lookup(t)
		if !ok {
			continue
		}
		ok, err := m.invalidateBuffer(bufID, t)
		if err != nil {
			pinned++
			continue
		}
		if ok {
			dropped++
		}
	}
	return m.droppedResult(rel, dropped, pinned)
}

// dropBuffersByScan invalidates every buffer whose tag matches
func (m *Manager) dropBuffersByScan(rel common.Relation, match func(Tag) bool) error {
	pinned := 0
	dropped := 0
	for i := 0; i < m.pool.size(); i++ {
		bufID := BufferID(i)
		desc := m.pool.descriptor(bufID)
		st := desc.lockHeader()
		t := desc.tag
		desc.unlockHeader(st)
		if !st.has(flagTagValid) || !match(t) {
			continue
		}
		ok, err := m.invalidateBuffer(bufID, t)
		if err != nil {
			pinned++
			continue
		}
		if ok {
			dropped++
		}
	}
	return m.droppedResult(rel, dropped, pinned)
}

func (m *Manager) droppedResult(rel common.Relation, dropped, pinned int) error {
	m.logger.Debug("buffer: relation buffers dropped", "rel", rel, "dropped", dropped, "pinned", pinned)
	if pinned > 0 {
		return errors.Wrapf(ErrBufferPinned, "%d buffers of relation %d", pinned, rel)
	}
	return nil
}

// invalidateBuffer removes the buffer of the tag from the table and puts it into free list
// the page is discarded even if dirty
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1488
func (m *Manager) invalidateBuffer(bufID BufferID, t Tag) (bool, error) {
	desc := m.pool.descriptor(bufID)
	p := m.table.partitionFor(t.hashCode())
	p.Lock()
	st := desc.lockHeader()
	// the buffer was re-tagged meanwhile
	if desc.tag != t || !st.has(flagTagValid) {
		desc.unlockHeader(st)
		p.Unlock()
		return false, nil
	}
	if st.refCount() != 0 {
		desc.unlockHeader(st)
		p.Unlock()
		return false, ErrBufferPinned
	}
	desc.tag = invalidTag
	desc.unlockHeader(emptyState(st))
	p.deleteLocked(t)
	p.Unlock()
	m.sc.freeBuffer(bufID)
	return true, nil
}

// Stats is the statistics of shared buffer pool
type Stats struct {
	PoolSize           int
	Hits               uint64
	Reads              uint64
	Writes             uint64
	Evictions          uint64
	IOErrors           uint64
	CompletePasses     uint32
	ContentionTimeouts uint64
	// Mapped is the number of entries in buffer table
	Mapped int
	// the number of buffers in each state at the moment
	Pinned int
	Dirty  int
	Valid  int
}

// Stats returns the statistics
func (m *Manager) Stats() Stats {
	s := Stats{
		PoolSize:           m.pool.size(),
		Hits:               m.stats.hits.Load(),
		Reads:              m.stats.reads.Load(),
		Writes:             m.stats.writes.Load(),
		Evictions:          m.stats.evictions.Load(),
		IOErrors:           m.stats.ioErrors.Load(),
		CompletePasses:     m.sc.passes(),
		ContentionTimeouts: m.pool.contention.timeouts.Load(),
		Mapped:             m.table.len(),
	}
	for i := 0; i < m.pool.size(); i++ {
		st := m.pool.descriptor(BufferID(i)).loadState()
		if st.refCount() > 0 {
			s.Pinned++
		}
		if st.has(flagDirty) {
			s.Dirty++
		}
		if st.has(flagValid) {
			s.Valid++
		}
	}
	return s
}
