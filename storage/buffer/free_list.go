/*
the implementation of free list

The free list is singly linked through freeNext field of descriptors (index, not pointer).
Every buffer is in the free list at startup.
The buffer is returned to the free list only when it becomes unused permanently
(e.g. its relation is dropped), not on ordinary eviction.
*/
package buffer

// getFreeBuffer pops the buffer from free list and returns it with header lock held.
// the buffer which has been pinned or used since it was put into the list is just removed from the list
// if there is no usable buffer in free list, false is returned
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L258-L299
func (sc *strategyControl) getFreeBuffer() (BufferID, state, bool) {
	for {
		sc.mu.Lock()
		bufID := sc.firstFree
		if bufID == freeNextEndOfList {
			sc.mu.Unlock()
			return InvalidBufferID, 0, false
		}
		desc := sc.pool.descriptor(bufID)
		// remove first buffer from free list
		sc.firstFree = desc.freeNext
		desc.freeNext = freeNextNotInList
		sc.mu.Unlock()

		// if the buffer is pinned or has been used, it can't be used. discard it and retry
		st := desc.lockHeader()
		if st.refCount() == 0 && st.usageCount() == 0 {
			return bufID, st, true
		}
		desc.unlockHeader(st)
	}
}

// freeBuffer puts the buffer into the head of free list
// if the buffer is already in the list, this is no-op
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L363
func (sc *strategyControl) freeBuffer(bufID BufferID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	desc := sc.pool.descriptor(bufID)
	// it is possible that we are told to put something in the freelist that is already in it
	if desc.freeNext != freeNextNotInList {
		return
	}
	desc.freeNext = sc.firstFree
	sc.firstFree = bufID
}
