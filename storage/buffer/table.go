/*
This is buffer table (mapping from buffer tag to buffer id)
Postgres uses partitioned hash table. each partition has its own lock (buffer mapping lock)
so that the look-ups of the different tags never contend on one lock.
The partition of the tag is decided only by the hash code of the tag,
so look-up never has to visit buffer descriptor.

lock order: partition lock -> buffer header lock. never the reverse.
removal and re-tagging of the buffer happen while both the header lock of the buffer and
the partition lock of the old tag are held.

for more details, see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/storage/buffer/buf_table.c#L3
*/
package buffer

import (
	"sync"

	"github.com/pkg/errors"
)

// DefaultPartitions is the default number of partitions
// postgres uses 128 (NUM_BUFFER_PARTITIONS) for pools of thousands of buffers
const DefaultPartitions = 16

// partition is one shard of buffer table
type partition struct {
	sync.RWMutex
	// mapping from buffer tag to buffer id
	entries map[Tag]BufferID
	// avoid false sharing between neighbour partitions
	_ [cacheLineSize]byte
}

// bufferTable is partitioned buffer table
type bufferTable struct {
	partitions []partition
	// mask for hash code. the number of partitions is power of two
	mask uint32
}

// newBufferTable initializes buffer table
// the number of partitions must be power of two
func newBufferTable(numPartitions int) (*bufferTable, error) {
	if numPartitions <= 0 || numPartitions&(numPartitions-1) != 0 {
		return nil, errors.Errorf("the number of partitions must be power of two: %d", numPartitions)
	}
	bt := &bufferTable{
		partitions: make([]partition, numPartitions),
		mask:       uint32(numPartitions - 1),
	}
	for i := range bt.partitions {
		bt.partitions[i].entries = make(map[Tag]BufferID)
	}
	return bt, nil
}

// partitionFor returns the partition the hash code belongs to (BufTableHashPartition)
func (bt *bufferTable) partitionFor(hashCode uint32) *partition {
	return &bt.partitions[hashCode&bt.mask]
}

// lookup returns the buffer id mapped to the tag with shared partition lock.
// the mapping may be changed as soon as the lock is released, so the caller which needs the buffer
// to keep the tag pins it while holding the partition lock instead (see Worker.Pin)
// see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/storage/buffer/buf_table.c#L90
func (bt *bufferTable) lookup(t Tag) (BufferID, bool) {
	p := bt.partitionFor(t.hashCode())
	p.RLock()
	defer p.RUnlock()
	return p.lookupLocked(t)
}

// len returns the number of entries in the whole table. partitions are counted one by one,
// so this is not a snapshot when the table is changed concurrently
func (bt *bufferTable) len() int {
	n := 0
	for i := range bt.partitions {
		p := &bt.partitions[i]
		p.RLock()
		n += len(p.entries)
		p.RUnlock()
	}
	return n
}

// lookupLocked looks up the tag. the caller must hold the partition lock
func (p *partition) lookupLocked(t Tag) (BufferID, bool) {
	bufID, ok := p.entries[t]
	return bufID, ok
}

// insertLocked inserts the tag. the caller must hold the partition lock in exclusive mode
func (p *partition) insertLocked(t Tag, bufID BufferID) (BufferID, error) {
	if existing, ok := p.entries[t]; ok {
		return existing, ErrAlreadyPresent
	}
	p.entries[t] = bufID
	return bufID, nil
}

// deleteLocked deletes the tag. the caller must hold the partition lock in exclusive mode
func (p *partition) deleteLocked(t Tag) {
	delete(p.entries, t)
}
