/*
Buffer descriptor stores metadata about each buffer.

Metadata in descriptor for cache replacement policy:
Postgres adopts clock sweep algorithm for cache replacement policy, so does bufmgr.
Descriptor has three fields for the cache replacement policy:

1. pin count (or may be called ref count)
- This is used to grasp whether the buffer is now referred by other goroutines.
- If the buffer has been pinned, then the buffer cannot be evicted.
- So the flow is: pin the buffer (via ReadBuffer())-> do anything with the buffer
- -> unpin the buffer (via Unpin()) after the process is completed.
- IMPORTANT: the caller is responsible for Unpin() and unpin the buffer
- while the buffer is pinned, its tag never changes, so the tag can be read without header lock

2. usage count
- This is used to grasp whether the buffer is used after clock-sweep inspected the buffer previous time.
- If usage count is 0, then the buffer is considered as not-frequently-used so it can be evicted.
- Usage count is incremented when the buffer is pinned, and saturates at max usage count.
- Usage count is decremented only when clock-sweep inspects the buffer.

3. dirty bit
- This is used to grasp whether the page in buffer is updated and not written out to disk yet.
- When clock-sweep tries to evict the buffer, if it is dirty,
- the buffer must be written to disk before evicted.

------

About state field: see state.go.

Flags in state field includes header lock bit and io in progress bit(kind of lock).
Header lock has to be held before changing state/tag/waitWorker field in descriptor.
When header lock is not held by any other goroutines,
the state field can be updated atomic with cas operation.
to summarize,
- acquire header lock or use cas operation to update state field
- when header lock is held by other goroutines, cas operation must not be executed
- the holder of header lock can update state in one write simultaneously with lock release
- atomic add/or/and is never used because it would break the header lock

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L199-L227
*/
package buffer

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/HayatoShiba/bufmgr/common"
)

// the values of freeNext other than the index of next free buffer
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L280-L285
const (
	// freeNextEndOfList indicates the end of the free list
	freeNextEndOfList BufferID = -1
	// freeNextNotInList indicates the buffer is not in the free list
	freeNextNotInList BufferID = -2
)

// descriptor is buffer descriptor
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L196-L254
type descriptor struct {
	// buffer tag. protected by header lock, or stable while pinned
	tag Tag
	// buffer id (index in the pool). this never changes after initialization
	id BufferID
	// state field. see state.go
	state atomic.Uint32
	// waitWorker is the worker waiting for sole pin. protected by header lock
	waitWorker common.WorkerID
	// next free buffer id. this is free list for buffer
	// protected by the allocation lock (buffer strategy lock), not header lock
	freeNext BufferID
	// contentLock for protecting the buffer content read/write
	// in postgres, content lock is defined with LWLock
	// this is orthogonal to header lock. header lock protects metadata, content lock protects page
	contentLock sync.RWMutex
	// contention is the reporter of the pool which owns the descriptor
	contention *contentionReporter
}

// cacheLineSize is the most common cpu cache line size
const cacheLineSize = 64

// paddedDescriptor pads descriptor to cache line size
// concurrent access to buffer headers has proven to be more efficient if they are cache line aligned.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L234-L236
type paddedDescriptor struct {
	descriptor
	_ [cacheLineSize - unsafe.Sizeof(descriptor{})%cacheLineSize]byte
}

// loadState reads state without header lock
// this is one-time read. the value may be changed soon if the caller doesn't hold header lock
func (desc *descriptor) loadState() state {
	return state(desc.state.Load())
}

// newSpinDelay starts one spin-wait on the header lock
func (desc *descriptor) newSpinDelay() spinDelay {
	return spinDelay{id: desc.id, reporter: desc.contention}
}

// lockHeader acquires buffer header spin lock
// to change state/tag field in descriptor, and returns the state before the lock is acquired
// (without lock bit) so that the caller can inspect it without second read.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4755
func (desc *descriptor) lockHeader() state {
	sd := desc.newSpinDelay()
	for {
		oldState := desc.state.Load()
		if state(oldState).has(flagLocked) {
			// if header lock is held by other goroutines, delay and continue
			sd.perform()
			continue
		}
		newState := state(oldState).set(flagLocked)
		if desc.state.CompareAndSwap(oldState, uint32(newState)) {
			return state(oldState)
		}
	}
}

// unlockHeader releases buffer header spin lock with the new state written in one step.
// lock bit is forced clear.
// postgres executes pg_write_barrier() before the write. in go, atomic store is sequentially consistent,
// so all the writes before this (tag, waitWorker) are visible to the goroutine which acquires the lock next.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L359
func (desc *descriptor) unlockHeader(st state) {
	desc.state.Store(uint32(st.clear(flagLocked)))
}

// withHeaderLock runs fn while holding header lock and releases it with the state fn returns.
// if fn panics, the lock is released with the state before fn
func (desc *descriptor) withHeaderLock(fn func(st state) state) {
	st := desc.lockHeader()
	released := false
	defer func() {
		if !released {
			desc.unlockHeader(st)
		}
	}()
	newState := fn(st)
	released = true
	desc.unlockHeader(newState)
}

// waitHeaderUnlocked waits for buffer header spin lock to be released
// this function is expected to be called when using CAS loops
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4784
func (desc *descriptor) waitHeaderUnlocked() state {
	sd := desc.newSpinDelay()
	for {
		st := desc.loadState()
		// if lock is not held by other goroutine, return
		if !st.has(flagLocked) {
			return st
		}
		sd.perform()
	}
}

// pinnedState returns the state after pin.
// without access strategy, usage count is incremented up to max usage count.
// with access strategy, usage count is at most 1 so that the ring buffer can be reused soon
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1640-L1665
func pinnedState(st state, withStrategy bool, maxUsage uint32) state {
	st = st.incRef()
	if !withStrategy {
		return st.incUsage(maxUsage)
	}
	if st.usageCount() == 0 {
		return st.withUsage(1)
	}
	return st
}

// tryPin tries to pin the buffer with single cas operation.
// this fails when header lock is held or the state is changed concurrently,
// then the caller must retry (or fall back to lockHeader/unlockHeader)
func (desc *descriptor) tryPin(withStrategy bool, maxUsage uint32) (state, bool) {
	oldState := desc.state.Load()
	if state(oldState).has(flagLocked) {
		return state(oldState), false
	}
	newState := pinnedState(state(oldState), withStrategy, maxUsage)
	if desc.state.CompareAndSwap(oldState, uint32(newState)) {
		return newState, true
	}
	return state(oldState), false
}

// pin pins the buffer and returns whether the buffer content is valid.
// this can be called without holding header lock
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1614
func (desc *descriptor) pin(withStrategy bool, maxUsage uint32) bool {
	for {
		st, ok := desc.tryPin(withStrategy, maxUsage)
		if ok {
			return st.has(flagValid)
		}
		if st.has(flagLocked) {
			// cas operation must not be executed when header lock held by other goroutine
			desc.waitHeaderUnlocked()
		}
	}
}

// pinLocked pins the buffer whose header lock is held by the caller, and releases header lock.
// usage count is not changed. this is used when the buffer is selected as victim or written by bgwriter
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1687
func (desc *descriptor) pinLocked(st state) {
	desc.unlockHeader(st.incRef())
}

// unpin decrements reference count with cas operation and returns the new state.
// unpin without matching pin is protocol violation (panic)
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1733
func (desc *descriptor) unpin() state {
	for {
		oldState := desc.state.Load()
		if state(oldState).has(flagLocked) {
			oldState = uint32(desc.waitHeaderUnlocked())
		}
		if state(oldState).refCount() == 0 {
			protocolViolation("unpin buffer %d which is not pinned", desc.id)
		}
		newState := state(oldState).decRef()
		if desc.state.CompareAndSwap(oldState, uint32(newState)) {
			return newState
		}
	}
}

// setDirty sets the dirty bit (and just dirtied bit) with cas operation
// the caller has to hold pin and exclusive content lock
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1583
func (desc *descriptor) setDirty() {
	for {
		oldState := desc.state.Load()
		if state(oldState).has(flagLocked) {
			// wait header lock to be released
			// then update oldState with the state when header lock is released
			oldState = uint32(desc.waitHeaderUnlocked())
		}
		if state(oldState).refCount() == 0 {
			protocolViolation("mark buffer %d dirty which is not pinned", desc.id)
		}
		newState := state(oldState).set(flagDirty | flagJustDirtied)
		if desc.state.CompareAndSwap(oldState, uint32(newState)) {
			return
		}
	}
}
