package buffer

import (
	"sync"

	"github.com/HayatoShiba/bufmgr/storage/page"
)

// BufferID is the index of buffer (and buffer descriptor) in the pool
// the caller never holds pointer into the pool, only BufferID
type BufferID int32

const (
	// InvalidBufferID is returned when the buffer cannot be found or allocated
	InvalidBufferID BufferID = -1
	// FirstBufferID is the id of the first buffer in the pool
	FirstBufferID BufferID = 0
)

// bufferSize is the size of one buffer.
// this must be equal to page size because page is fetched into buffer
// buffer-related metadata is managed in different structure called `buffer descriptor`
const bufferSize = page.PageSize

// pool is the arena of shared buffers
// descriptors, pages and io locks are allocated at startup and never resized.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/storage/buffer/buf_init.c#L68
type pool struct {
	// descriptors of each shared buffers (BufferDescriptors)
	descriptors []paddedDescriptor
	// the contiguous pages (BufferBlocks). buffer i is pages[i*bufferSize:(i+1)*bufferSize]
	pages []byte
	// ioLocks is held in exclusive mode by the goroutine which does io on the buffer
	// and in shared mode by the goroutines which wait for the io (BufferIOLWLockArray)
	ioLocks []sync.RWMutex
	// contention is shared by all descriptors of the pool
	contention contentionReporter
}

// newPool initializes buffer pool with size buffers
// all buffers are linked into the free list at first
func newPool(size int) *pool {
	p := &pool{
		descriptors: make([]paddedDescriptor, size),
		pages:       make([]byte, size*bufferSize),
		ioLocks:     make([]sync.RWMutex, size),
	}
	for i := range p.descriptors {
		desc := &p.descriptors[i].descriptor
		desc.id = BufferID(i)
		desc.tag = invalidTag
		desc.freeNext = BufferID(i + 1)
		desc.contention = &p.contention
	}
	// terminate the free list
	p.descriptors[size-1].freeNext = freeNextEndOfList
	return p
}

// size returns the number of buffers
func (p *pool) size() int {
	return len(p.descriptors)
}

// descriptor returns the descriptor of the buffer
func (p *pool) descriptor(bufID BufferID) *descriptor {
	return &p.descriptors[bufID].descriptor
}

// page returns the page stored at the buffer
func (p *pool) page(bufID BufferID) page.PagePtr {
	off := int(bufID) * bufferSize
	return page.PagePtr(p.pages[off : off+bufferSize])
}

// ioLock returns the io lock of the buffer
func (p *pool) ioLock(bufID BufferID) *sync.RWMutex {
	return &p.ioLocks[bufID]
}

// valid checks whether the buffer id points into the pool
func (p *pool) valid(bufID BufferID) bool {
	return bufID >= FirstBufferID && int(bufID) < len(p.descriptors)
}
