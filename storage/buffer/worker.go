/*
Worker is the identity of one goroutine (backend process in postgres) which uses shared buffer pool.
Each worker has its own writeback context for the pages it evicts,
and its wake-up channel for the pin count wait (see waiter.go).
The worker is not safe for concurrent use. Each goroutine creates its own worker.
*/
package buffer

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

// Worker is the user of shared buffer pool
type Worker struct {
	m  *Manager
	id common.WorkerID
	// writeback context for the pages written by this worker (BackendWritebackContext)
	wb *WritebackContext
	// wakeup is signaled when the pin count this worker waits for drops
	wakeup chan struct{}
}

// NewWorker registers new worker
func (m *Manager) NewWorker() *Worker {
	w := &Worker{
		m:      m,
		id:     common.WorkerID(m.nextWorkerID.Add(1)),
		wb:     NewWritebackContext(m.smgr, m.cfg.WritebackMaxPending),
		wakeup: make(chan struct{}, 1),
	}
	m.workers.Store(w.id, w)
	return w
}

// wakeWorker signals the worker. if the worker has gone, nothing happens
func (m *Manager) wakeWorker(id common.WorkerID) {
	w, ok := m.workers.Load(id)
	if !ok {
		return
	}
	select {
	case w.wakeup <- struct{}{}:
	default:
		// already signaled
	}
}

// ID returns the worker id
func (w *Worker) ID() common.WorkerID {
	return w.id
}

// Close flushes pending writebacks and unregisters the worker
func (w *Worker) Close() error {
	w.m.workers.Delete(w.id)
	if err := w.wb.Flush(); err != nil {
		return errors.Wrap(err, "wb.Flush failed")
	}
	return nil
}

/*
Pin pins the buffer of the tag.
when the page is already stored within a buffer (found is true), just return it.
when the page is not (found is false), the buffer is assigned to the tag and the caller owns the read io:
the caller reads the page into GetPage() and calls CompleteLoad(), or AbortLoad() on failure.
in both cases, the returned buffer has been pinned so the caller has to call Unpin() after using it.

see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1110
*/
func (w *Worker) Pin(t Tag, as *AccessStrategy) (BufferID, bool, error) {
	m := w.m
	p := m.table.partitionFor(t.hashCode())

	// check whether the tag already exists in the buffer table. if it exists, just return it
	p.RLock()
	if bufID, ok := p.lookupLocked(t); ok {
		// pin is done while holding partition lock so that the buffer is not re-tagged before pin
		valid := m.pool.descriptor(bufID).pin(as != nil, m.maxUsage)
		p.RUnlock()
		bufID, found := m.pinnedExisting(bufID, valid)
		return bufID, found, nil
	}
	p.RUnlock()

	victim, err := w.EvictOne(as)
	if err != nil {
		return InvalidBufferID, false, errors.Wrap(err, "EvictOne failed")
	}
	return w.Assign(victim, t, as)
}

/*
Assign tags the buffer returned by EvictOne with the tag and starts read io on it.
the return values are the same as Pin():
if other goroutine has loaded the tag meanwhile, the given buffer is returned to free list
and the buffer of the tag is pinned and returned instead.

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/storage/buffer/bufmgr.c#L1290-L1360
*/
func (w *Worker) Assign(bufID BufferID, t Tag, as *AccessStrategy) (BufferID, bool, error) {
	m := w.m
	desc := m.descriptorOf(bufID)
	p := m.table.partitionFor(t.hashCode())

	p.Lock()
	existing, err := p.insertLocked(t, bufID)
	if err != nil {
		// someone else has already loaded the page. give up the victim and use the existing one
		m.unpinBuffer(desc)
		m.sc.freeBuffer(bufID)
		valid := m.pool.descriptor(existing).pin(as != nil, m.maxUsage)
		p.Unlock()
		existing, found := m.pinnedExisting(existing, valid)
		return existing, found, nil
	}

	st := desc.lockHeader()
	// only the caller may pin the victim, and the victim must have been untagged by EvictOne
	if st.refCount() != 1 || st.hasAny(flagTagValid|flagValid|flagDirty|flagIOInProgress) {
		desc.unlockHeader(st)
		p.deleteLocked(t)
		p.Unlock()
		protocolViolation("assign tag to buffer %d which is in use (refcount %d)", bufID, st.refCount())
	}
	desc.tag = t
	// every relation in shared buffers is wal-logged. temporary relation uses local buffers
	st = emptyState(st).withUsage(1).set(flagTagValid | flagPermanent)
	desc.unlockHeader(st)
	p.Unlock()

	// this never fails unless someone else does io on the buffer which is not in use
	if !m.startBufferIO(bufID, true) {
		m.stats.hits.Add(1)
		return bufID, true, nil
	}
	return bufID, false, nil
}

/*
EvictOne returns the buffer which is pinned and not tagged, ready to be assigned with Assign().
if the victim is dirty, it is written out to disk and scheduled for writeback before evicted.
if all buffers are pinned, ErrEvictionExhausted is returned.

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/storage/buffer/bufmgr.c#L1682
*/
func (w *Worker) EvictOne(as *AccessStrategy) (BufferID, error) {
	m := w.m
	for {
		// the victim is header-locked for preventing being pinned by other goroutine after the victim is decided
		bufID, st, err := m.sc.getBuffer(as)
		if err != nil {
			return InvalidBufferID, errors.Wrap(err, "getBuffer failed")
		}
		desc := m.pool.descriptor(bufID)
		// pin() cannot be used here because the caller holds header lock
		// the header lock is released so that the io below doesn't block others spinning on it.
		// later, the header lock is re-acquired and ref count and dirty bit are checked again
		desc.pinLocked(st)

		if st.has(flagDirty) {
			// if the buffer is dirty, it must be written out to disk before eviction
			// shared content lock prevents update of the page during the write.
			// if someone holds the content lock exclusively, the buffer is in use. give it up
			if !desc.contentLock.TryRLock() {
				m.unpinBuffer(desc)
				continue
			}
			// for bulk read, getting another buffer is better than flushing wal
			if as != nil {
				hdr := desc.lockHeader()
				lsn := page.GetLSN(m.pool.page(bufID))
				desc.unlockHeader(hdr)
				if m.wal.NeedsFlush(lsn) && as.reject(bufID) {
					desc.contentLock.RUnlock()
					m.unpinBuffer(desc)
					continue
				}
			}
			err := m.flushBuffer(bufID)
			desc.contentLock.RUnlock()
			if err != nil {
				m.unpinBuffer(desc)
				return InvalidBufferID, errors.Wrap(err, "flushBuffer failed")
			}
			m.logger.Debug("buffer: dirty victim written", "buffer", bufID, "tag", desc.tag)
			if err := w.wb.Schedule(desc.tag); err != nil {
				m.logger.Warn("buffer: writeback failed", "err", err)
			}
		}

		if st.has(flagTagValid) {
			// if pin is held by other goroutines or the buffer has been updated, select next victim buffer
			if !m.invalidateVictimBuffer(desc) {
				m.unpinBuffer(desc)
				continue
			}
			if st.has(flagValid) {
				m.stats.evictions.Add(1)
			}
		}
		return bufID, nil
	}
}

/*
ReadBuffer returns the id of buffer where the page the caller is looking for exists.
the returned buffer has been pinned so the caller has to call Unpin() after completion of using the buffer.

when the page is not in the pool, it is read from disk.
when the caller wants new (extended) page, pass page.NewPageID as pageID arg.
if the read fails, ErrIOFailure is returned and the buffer is left not valid.

see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L717-L759
*/
func (w *Worker) ReadBuffer(rel common.Relation, forkNum disk.ForkNumber, pageID page.PageID, as *AccessStrategy) (BufferID, error) {
	m := w.m
	var err error
	// if pageID passed is NewPageID, extend page and return it
	if pageID == page.NewPageID {
		pageID, err = m.smgr.ExtendPage(rel, forkNum)
		if err != nil {
			return InvalidBufferID, errors.Wrap(err, "smgr.ExtendPage failed")
		}
	}
	t := NewTag(rel, forkNum, pageID)
	bufID, found, err := w.Pin(t, as)
	if err != nil {
		return InvalidBufferID, errors.Wrap(err, "Pin failed")
	}
	if found {
		return bufID, nil
	}

	// probably here, content lock doesn't have to be acquired because nobody can see the page until valid
	if err := m.smgr.ReadPage(rel, forkNum, pageID, m.pool.page(bufID)); err != nil {
		m.AbortLoad(bufID)
		m.Unpin(bufID, false)
		return InvalidBufferID, errors.Wrapf(ErrIOFailure, "read %+v: %v", t, err)
	}
	m.CompleteLoad(bufID)
	return bufID, nil
}

// ScheduleWriteback adds the tag to the writeback context of this worker
func (w *Worker) ScheduleWriteback(t Tag) error {
	return w.wb.Schedule(t)
}

// FlushWritebackBatch hands the pending writebacks of this worker to the storage
func (w *Worker) FlushWritebackBatch() error {
	return w.wb.Flush()
}

// PendingWritebacks returns the number of pending writebacks of this worker
func (w *Worker) PendingWritebacks() int {
	return w.wb.Pending()
}
