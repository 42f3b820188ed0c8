/*
Local buffers are used for temporary relations, which are visible only to one session.
Local buffer pool reuses the shape of shared buffer pool (descriptor, tag, state), but
- it is owned by one goroutine, so no header lock, no cas operation and no content lock
- the mapping is a plain map, not the partitioned buffer table
- the replacement is the same clock sweep without allocation lock and without free list
- no pin count waiter and no wal (temporary relation is not wal-logged)

LocalPool is not safe for concurrent use.

see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/localbuf.c#L1
*/
package buffer

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

// LocalPool is local buffer pool of one session
type LocalPool struct {
	smgr     StorageManager
	pool     *pool
	table    map[Tag]BufferID
	maxUsage uint32
	// nextVictim is the clock hand
	nextVictim int
}

// NewLocalPool initializes local buffer pool
func NewLocalPool(smgr StorageManager, size int, maxUsage int) (*LocalPool, error) {
	if size <= 0 {
		return nil, errors.Errorf("local pool size must be positive: %d", size)
	}
	if maxUsage < 1 || maxUsage > MaxUsageCountLimit {
		return nil, errors.Errorf("max usage count must be in [1, %d]: %d", MaxUsageCountLimit, maxUsage)
	}
	return &LocalPool{
		smgr:     smgr,
		pool:     newPool(size),
		table:    make(map[Tag]BufferID, size),
		maxUsage: uint32(maxUsage),
	}, nil
}

// descriptorOf returns the descriptor. the invalid buffer id is protocol violation
func (lp *LocalPool) descriptorOf(bufID BufferID) *descriptor {
	if !lp.pool.valid(bufID) {
		protocolViolation("invalid local buffer id %d", bufID)
	}
	return lp.pool.descriptor(bufID)
}

// ReadBuffer returns the pinned local buffer of the page. the caller has to call Unpin()
// when the caller wants new (extended) page, pass page.NewPageID as pageID arg.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/localbuf.c#L109
func (lp *LocalPool) ReadBuffer(rel common.Relation, forkNum disk.ForkNumber, pageID page.PageID) (BufferID, error) {
	var err error
	if pageID == page.NewPageID {
		pageID, err = lp.smgr.ExtendPage(rel, forkNum)
		if err != nil {
			return InvalidBufferID, errors.Wrap(err, "smgr.ExtendPage failed")
		}
	}
	t := NewTag(rel, forkNum, pageID)
	// the tag is put into the table only after the read succeeded, so the buffer found is always valid
	if bufID, ok := lp.table[t]; ok {
		desc := lp.pool.descriptor(bufID)
		desc.state.Store(uint32(pinnedState(desc.loadState(), false, lp.maxUsage)))
		return bufID, nil
	}

	bufID, err := lp.getVictim()
	if err != nil {
		return InvalidBufferID, errors.Wrap(err, "getVictim failed")
	}
	desc := lp.pool.descriptor(bufID)
	if err := lp.smgr.ReadPage(rel, forkNum, pageID, lp.pool.page(bufID)); err != nil {
		// the buffer is left unused
		return InvalidBufferID, errors.Wrapf(ErrIOFailure, "read %+v: %v", t, err)
	}
	desc.tag = t
	lp.table[t] = bufID
	st := state(0).set(flagTagValid | flagValid).withUsage(1).incRef()
	desc.state.Store(uint32(st))
	return bufID, nil
}

// getVictim finds unpinned buffer with clock sweep and makes it empty.
// if the victim is dirty, it is written out
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/localbuf.c#L175-L220
func (lp *LocalPool) getVictim() (BufferID, error) {
	nbuffers := lp.pool.size()
	tryCounter := nbuffers
	for {
		bufID := BufferID(lp.nextVictim)
		lp.nextVictim++
		if lp.nextVictim >= nbuffers {
			lp.nextVictim = 0
		}
		desc := lp.pool.descriptor(bufID)
		st := desc.loadState()
		if st.refCount() == 0 {
			if st.usageCount() == 0 {
				if err := lp.evict(desc); err != nil {
					return InvalidBufferID, err
				}
				return bufID, nil
			}
			desc.state.Store(uint32(st.decUsage()))
			tryCounter = nbuffers
			continue
		}
		tryCounter--
		if tryCounter == 0 {
			return InvalidBufferID, errors.Wrap(ErrEvictionExhausted, "no empty local buffer available")
		}
	}
}

// evict writes the buffer out if dirty and removes its mapping
func (lp *LocalPool) evict(desc *descriptor) error {
	st := desc.loadState()
	if st.has(flagDirty) {
		if err := lp.write(desc); err != nil {
			return err
		}
	}
	if st.has(flagTagValid) {
		delete(lp.table, desc.tag)
	}
	desc.tag = invalidTag
	desc.state.Store(uint32(emptyState(desc.loadState())))
	return nil
}

// write writes the page of the buffer and clears dirty bit
func (lp *LocalPool) write(desc *descriptor) error {
	t := desc.tag
	if err := lp.smgr.WritePage(t.Rel, t.ForkNum, t.PageID, lp.pool.page(desc.id)); err != nil {
		return errors.Wrapf(ErrIOFailure, "write %+v: %v", t, err)
	}
	desc.state.Store(uint32(desc.loadState().clear(flagDirty)))
	return nil
}

// Unpin unpins the local buffer. if dirty is true, the buffer is marked dirty
func (lp *LocalPool) Unpin(bufID BufferID, dirty bool) {
	desc := lp.descriptorOf(bufID)
	st := desc.loadState()
	if dirty {
		if st.refCount() == 0 {
			protocolViolation("mark local buffer %d dirty which is not pinned", bufID)
		}
		st = st.set(flagDirty)
	}
	desc.state.Store(uint32(st.decRef()))
}

// MarkDirty turns on the dirty bit of the local buffer. the caller has to hold pin
func (lp *LocalPool) MarkDirty(bufID BufferID) {
	desc := lp.descriptorOf(bufID)
	st := desc.loadState()
	if st.refCount() == 0 {
		protocolViolation("mark local buffer %d dirty which is not pinned", bufID)
	}
	desc.state.Store(uint32(st.set(flagDirty)))
}

// IsValid checks whether the local buffer holds valid page
func (lp *LocalPool) IsValid(bufID BufferID) bool {
	return lp.descriptorOf(bufID).loadState().has(flagValid)
}

// GetTag returns the tag of the local buffer
func (lp *LocalPool) GetTag(bufID BufferID) Tag {
	return lp.descriptorOf(bufID).tag
}

// GetPage returns page stored at the local buffer
func (lp *LocalPool) GetPage(bufID BufferID) page.PagePtr {
	lp.descriptorOf(bufID)
	return lp.pool.page(bufID)
}

// DropRelation removes all the buffers of the relation without writing them
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/localbuf.c#L322
func (lp *LocalPool) DropRelation(rel common.Relation) error {
	for i := 0; i < lp.pool.size(); i++ {
		desc := lp.pool.descriptor(BufferID(i))
		st := desc.loadState()
		if !st.has(flagTagValid) || desc.tag.Rel != rel {
			continue
		}
		if st.refCount() != 0 {
			return errors.Wrapf(ErrBufferPinned, "local buffer %d of relation %d", i, rel)
		}
		delete(lp.table, desc.tag)
		desc.tag = invalidTag
		desc.state.Store(uint32(emptyState(st)))
	}
	return nil
}

// Flush writes all dirty local buffers out and returns the number of written buffers
func (lp *LocalPool) Flush() (int, error) {
	written := 0
	for i := 0; i < lp.pool.size(); i++ {
		desc := lp.pool.descriptor(BufferID(i))
		if !desc.loadState().has(flagDirty) {
			continue
		}
		if err := lp.write(desc); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
