/*
Access strategy (buffer ring)

When a large relation is scanned sequentially or bulk-written, reading all the pages through
the normal replacement would evict the whole cache, although each page is used only once.
So such an access uses a small private ring of buffers and recycles them:
the buffer used in the ring is reused for the next page when nobody else has used it since.

The access strategy is owned by one worker and is not safe for concurrent use.

see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L208-L246
*/
package buffer

import "fmt"

// AccessStrategyType is the type of access strategy
type AccessStrategyType int

const (
	// AccessNormal is the normal random access. no ring is used
	AccessNormal AccessStrategyType = iota
	// AccessBulkRead is large read-only scan
	AccessBulkRead
	// AccessBulkWrite is large multi-page write
	AccessBulkWrite
	// AccessVacuum is vacuum
	AccessVacuum
)

// String returns the name of the type
func (t AccessStrategyType) String() string {
	switch t {
	case AccessNormal:
		return "normal"
	case AccessBulkRead:
		return "bulkread"
	case AccessBulkWrite:
		return "bulkwrite"
	case AccessVacuum:
		return "vacuum"
	default:
		return fmt.Sprintf("strategy(%d)", int(t))
	}
}

// ring sizes in bytes
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L542-L560
const (
	bulkReadRingSize  = 256 * 1024
	bulkWriteRingSize = 16 * 1024 * 1024
	vacuumRingSize    = 256 * 1024
)

// AccessStrategy is the private ring of buffers
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L73
type AccessStrategy struct {
	typ AccessStrategyType
	// the index of the ring current position
	current int
	// whether the buffer at the current position was obtained from the ring
	currentWasInRing bool
	// the buffers in the ring. InvalidBufferID means not filled yet
	buffers []BufferID
}

// NewAccessStrategy initializes the access strategy for the pool of poolSize buffers.
// the ring never exceeds 1/8 of the pool. nil is returned for AccessNormal
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L525
func NewAccessStrategy(typ AccessStrategyType, poolSize int) *AccessStrategy {
	var ringBytes int
	switch typ {
	case AccessBulkRead:
		ringBytes = bulkReadRingSize
	case AccessBulkWrite:
		ringBytes = bulkWriteRingSize
	case AccessVacuum:
		ringBytes = vacuumRingSize
	default:
		return nil
	}
	ringSize := ringBytes / bufferSize
	// don't let the ring be more than 1/8 of shared buffers
	if limit := poolSize / 8; ringSize > limit {
		ringSize = limit
	}
	if ringSize < 1 {
		ringSize = 1
	}
	buffers := make([]BufferID, ringSize)
	for i := range buffers {
		buffers[i] = InvalidBufferID
	}
	return &AccessStrategy{
		typ:     typ,
		buffers: buffers,
	}
}

// Type returns the type of access strategy
func (as *AccessStrategy) Type() AccessStrategyType {
	if as == nil {
		return AccessNormal
	}
	return as.typ
}

// RingSize returns the number of buffers in the ring
func (as *AccessStrategy) RingSize() int {
	if as == nil {
		return 0
	}
	return len(as.buffers)
}

// getBuffer returns the buffer at the next position of the ring with header lock held
// if the ring is not filled yet or the buffer has been used by others, false is returned
// and the caller allocates the buffer in the normal way and puts it into the ring (addBuffer)
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L611
func (as *AccessStrategy) getBuffer(p *pool) (BufferID, state, bool) {
	// advance to next ring slot
	as.current++
	if as.current >= len(as.buffers) {
		as.current = 0
	}
	bufID := as.buffers[as.current]
	if bufID == InvalidBufferID {
		as.currentWasInRing = false
		return InvalidBufferID, 0, false
	}

	// if the buffer is pinned we cannot use it.
	// if usage count is more than 1, someone else has used it, so leave it to the clock sweep
	desc := p.descriptor(bufID)
	st := desc.lockHeader()
	if st.refCount() == 0 && st.usageCount() <= 1 {
		as.currentWasInRing = true
		return bufID, st, true
	}
	desc.unlockHeader(st)

	// the buffer is replaced with the buffer the caller allocates
	as.currentWasInRing = false
	return InvalidBufferID, 0, false
}

// addBuffer puts the buffer into the current position of the ring
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L663
func (as *AccessStrategy) addBuffer(bufID BufferID) {
	as.buffers[as.current] = bufID
}

// reject is called when the victim is dirty and flushing it requires wal flush.
// for bulk read, it is better to get another buffer than to flush wal, so the buffer is
// removed from the ring and true is returned. the caller then gets another victim.
// the other strategies (and the buffer not from ring) never reject.
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L684
func (as *AccessStrategy) reject(bufID BufferID) bool {
	// we only do this in bulkread mode
	if as == nil || as.typ != AccessBulkRead {
		return false
	}
	// don't muck with behavior of normal buffer-replacement strategy
	if !as.currentWasInRing || as.buffers[as.current] != bufID {
		return false
	}
	// remove the dirty buffer from the ring. the next getBuffer of this position allocates new one
	as.buffers[as.current] = InvalidBufferID
	return true
}
