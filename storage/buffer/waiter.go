/*
Pin count waiter

Some operations (e.g. physically removing tuples or compacting the page) need the page to be
not only locked exclusively but also not pinned by anyone else, because the other pin holders
may keep pointers into the page without content lock.
Such a worker acquires exclusive content lock and waits until its own pin is the only one.

Only one worker can wait on the buffer at a time. the waiter is recorded in the descriptor (waitWorker)
with BM_PIN_COUNT_WAITER flag, and the last other pin holder signals it at unpin (see Manager.unpinBuffer).

see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L84-L97
*/
package buffer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/common"
)

// LockBufferForCleanup acquires exclusive content lock on the buffer and waits for the other pins to be released.
// the caller must hold a pin on the buffer. when nil is returned, the caller holds exclusive content lock
// and the only pin, and must release the content lock with ReleaseContentLock(bufID, true).
// if ctx is done while waiting, the waiter is unregistered and ErrWaitCancelled is returned without content lock.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4090
func (w *Worker) LockBufferForCleanup(ctx context.Context, bufID BufferID) error {
	desc := w.m.descriptorOf(bufID)
	if desc.loadState().refCount() == 0 {
		protocolViolation("lock buffer %d for cleanup without pin", bufID)
	}
	for {
		desc.contentLock.Lock()
		st := desc.lockHeader()
		if st.refCount() == 1 {
			// successfully acquired exclusive lock with pin count 1
			desc.unlockHeader(st)
			return nil
		}
		if st.has(flagPinCountWaiter) {
			desc.unlockHeader(st)
			desc.contentLock.Unlock()
			protocolViolation("multiple workers attempting to wait for pin count 1 on buffer %d", bufID)
		}
		desc.waitWorker = w.id
		desc.unlockHeader(st.set(flagPinCountWaiter))
		// the other pin holders may need content lock to finish their work and unpin
		desc.contentLock.Unlock()

		var cancelled bool
		select {
		case <-w.wakeup:
		case <-ctx.Done():
			cancelled = true
		}

		// remove flag marking us as waiter. normally this is not set anymore
		desc.withHeaderLock(func(st state) state {
			if st.has(flagPinCountWaiter) && desc.waitWorker == w.id {
				desc.waitWorker = common.InvalidWorkerID
				return st.clear(flagPinCountWaiter)
			}
			return st
		})
		if cancelled {
			return errors.Wrapf(ErrWaitCancelled, "buffer %d: %v", bufID, ctx.Err())
		}
		// loop back and try again
	}
}

// ConditionalLockBufferForCleanup acquires exclusive content lock only if the caller's pin is the only one.
// it never waits. if false is returned, no lock is held
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4203
func (m *Manager) ConditionalLockBufferForCleanup(bufID BufferID) bool {
	desc := m.descriptorOf(bufID)
	if desc.loadState().refCount() == 0 {
		protocolViolation("lock buffer %d for cleanup without pin", bufID)
	}
	if !desc.contentLock.TryLock() {
		return false
	}
	st := desc.lockHeader()
	desc.unlockHeader(st)
	if st.refCount() == 1 {
		return true
	}
	desc.contentLock.Unlock()
	return false
}
