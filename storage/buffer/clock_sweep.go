/*
Postgres adopts clock sweep as cache replacement policy on main shared buffer, so does bufmgr.
Clock sweep is approximation of LRU algorithm.
The main difference is that the clock sweep does not maintain global timestamp.
It uses approximation of timestamp, usage count.
Clock sweep is better than LRU in terms of concurrency.

The order to find the victim buffer is:
- the ring of access strategy (if the caller passes one). see strategy.go
- the free list. see free_list.go
- the clock sweep

The victim is returned with its header lock held, so the caller can re-tag it
before any other goroutine pins it.

for more details, see https://github.com/postgres/postgres/blob/master/src/backend/storage/buffer/README#L155-L246
*/
package buffer

import (
	"sync"
	"sync/atomic"
)

// strategyControl is the shared state of buffer replacement (BufferStrategyControl)
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L28
type strategyControl struct {
	pool *pool
	// mu is buffer strategy lock (allocation lock).
	// this protects free list, completePasses and bgwNotify
	mu sync.Mutex
	// nextVictim is the clock hand. this is incremented atomically without mu
	// the value may exceed the pool size until the goroutine which wraps it around fixes it
	nextVictim atomic.Uint32
	// completePasses is the number of times the clock hand wrapped around
	completePasses uint32
	// numBufferAllocs is the number of allocations since the last syncStart()
	numBufferAllocs atomic.Uint32
	// head of the free list
	firstFree BufferID
	// bgwNotify is the channel of background writer which waits for the next allocation
	bgwNotify chan<- struct{}
}

// newStrategyControl initializes strategy control
// every buffer is in free list at first (the pool links them)
func newStrategyControl(p *pool) *strategyControl {
	return &strategyControl{
		pool:      p,
		firstFree: FirstBufferID,
	}
}

// clockSweepTick moves clock hand ahead (increments nextVictim) and returns the buffer under the hand
// clock sweep treats buffer pool as ring buffer
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L113
func (sc *strategyControl) clockSweepTick() BufferID {
	nbuffers := uint32(sc.pool.size())
	// atomically move the hand ahead one buffer. the returned value is the position before increment
	victim := sc.nextVictim.Add(1) - 1
	if victim < nbuffers {
		return BufferID(victim)
	}
	original := victim
	victim %= nbuffers
	// the goroutine which got the buffer 0 is responsible for wrapping the hand around
	// and the other goroutines just use the modulo value
	if victim == 0 {
		expected := original + 1
		for {
			wrapped := expected % nbuffers
			sc.mu.Lock()
			ok := sc.nextVictim.CompareAndSwap(expected, wrapped)
			if ok {
				sc.completePasses++
			}
			sc.mu.Unlock()
			if ok {
				break
			}
			// the other goroutines moved the hand in the meantime
			expected = sc.nextVictim.Load()
		}
	}
	return BufferID(victim)
}

// getBuffer returns the victim buffer with its header lock held and the state before the lock.
// if all buffers are pinned in one full pass, ErrEvictionExhausted is returned.
// among evictable buffers, the one currently under the hand always wins. there is no secondary ordering.
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L201
func (sc *strategyControl) getBuffer(as *AccessStrategy) (BufferID, state, error) {
	// the ring of access strategy is searched at first
	if as != nil {
		if bufID, st, ok := as.getBuffer(sc.pool); ok {
			return bufID, st, nil
		}
	}

	// wake up background writer if it is hibernating.
	// the notification is consumed under the allocation lock so only one allocation wakes it up.
	// background writer never claims the victim, it only flushes, so it never races with the caller for it
	sc.mu.Lock()
	notify := sc.bgwNotify
	sc.bgwNotify = nil
	sc.mu.Unlock()
	if notify != nil {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	// search free list
	if bufID, st, ok := sc.getFreeBuffer(); ok {
		sc.numBufferAllocs.Add(1)
		if as != nil {
			as.addBuffer(bufID)
		}
		return bufID, st, nil
	}

	// use clock sweep
	// when tryCounter is 0, it means clock sweep has inspected all buffers and all of them are pinned
	nbuffers := sc.pool.size()
	tryCounter := nbuffers
	for {
		bufID := sc.clockSweepTick()
		desc := sc.pool.descriptor(bufID)
		// other goroutines cannot pin the buffer while header lock is held
		st := desc.lockHeader()
		if st.refCount() == 0 {
			if st.usageCount() != 0 {
				// this buffer was used after clock sweep had inspected previous time, so must not evict it
				desc.unlockHeader(st.decUsage())
				// reset try counter. the usage count of every buffer reaches 0 eventually
				tryCounter = nbuffers
				continue
			}
			// ref count and usage count is 0, so this buffer can be evicted
			// IMPORTANT: buffer header lock must not be released so that other goroutines cannot pin
			sc.numBufferAllocs.Add(1)
			if as != nil {
				as.addBuffer(bufID)
			}
			return bufID, st, nil
		}
		desc.unlockHeader(st)
		tryCounter--
		if tryCounter == 0 {
			return InvalidBufferID, 0, ErrEvictionExhausted
		}
	}
}

// syncStart tells background writer where to start syncing
// it returns the buffer the clock hand points to, the number of complete passes of the hand
// and the number of allocations since the last call (the counter is reset)
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L394
func (sc *strategyControl) syncStart() (BufferID, uint32, uint32) {
	nbuffers := uint32(sc.pool.size())
	sc.mu.Lock()
	defer sc.mu.Unlock()
	next := sc.nextVictim.Load()
	// the hand may not have been wrapped around yet
	passes := sc.completePasses + next/nbuffers
	allocs := sc.numBufferAllocs.Swap(0)
	return BufferID(next % nbuffers), passes, allocs
}

// notifyBgWriter registers the channel which is notified at the next allocation
// pass nil to cancel the notification
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L431
func (sc *strategyControl) notifyBgWriter(ch chan<- struct{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.bgwNotify = ch
}

// passes returns the number of complete passes of the clock hand
func (sc *strategyControl) passes() uint32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.completePasses + sc.nextVictim.Load()/uint32(sc.pool.size())
}
