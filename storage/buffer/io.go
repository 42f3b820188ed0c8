/*
buffer io

BM_IO_IN_PROGRESS flag is kind of lock for disk io on each buffer.
The goroutine which sets the flag holds the io lock of the buffer in exclusive mode until the io completes,
and the goroutines which wait for the io acquire the io lock in shared mode.
So the waiters sleep instead of spinning on the header lock.

the io lock can be released by the goroutine other than the one acquired it (e.g. the caller of Pin()
reads the page and calls CompleteLoad() in another goroutine). sync.RWMutex allows this.

see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L148-L152
*/
package buffer

// startBufferIO starts io on the buffer.
// forInput is true for read, false for write.
// if the io has been done by other goroutine (the buffer is valid for read, or not dirty for write), false is returned
// and the io must not be done. if true is returned, the caller must call terminateBufferIO() after the io.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4332
func (m *Manager) startBufferIO(bufID BufferID, forInput bool) bool {
	desc := m.pool.descriptor(bufID)
	ioLock := m.pool.ioLock(bufID)
	var st state
	for {
		// grab the io lock so that other goroutines wait for my io
		ioLock.Lock()
		st = desc.lockHeader()
		if !st.has(flagIOInProgress) {
			break
		}
		// the io is in progress but the io lock is not held.
		// the previous io owner finished and the flag is being cleared
		desc.unlockHeader(st)
		ioLock.Unlock()
		m.waitIO(bufID)
	}

	// here, there is definitely no io active on this buffer
	done := !st.has(flagDirty)
	if forInput {
		done = st.has(flagValid)
	}
	if done {
		// someone else already did the io
		desc.unlockHeader(st)
		ioLock.Unlock()
		return false
	}
	desc.unlockHeader(st.set(flagIOInProgress))
	return true
}

// terminateBufferIO marks io complete and releases io lock.
// if clearDirty is true and the buffer is not dirtied again during the write (BM_JUST_DIRTIED),
// dirty bit is cleared. setFlags are turned on (e.g. BM_VALID after read, BM_IO_ERROR after failure)
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4395
func (m *Manager) terminateBufferIO(bufID BufferID, clearDirty bool, setFlags flag) {
	desc := m.pool.descriptor(bufID)
	st := desc.lockHeader()
	if !st.has(flagIOInProgress) {
		desc.unlockHeader(st)
		protocolViolation("terminate io on buffer %d where no io is in progress", bufID)
	}
	st = st.clear(flagIOInProgress | flagIOError)
	if clearDirty && !st.has(flagJustDirtied) {
		st = st.clear(flagDirty | flagCheckpointNeeded)
	}
	desc.unlockHeader(st.set(setFlags))
	m.pool.ioLock(bufID).Unlock()
}

// waitIO waits for the io on the buffer to complete
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4290
func (m *Manager) waitIO(bufID BufferID) {
	desc := m.pool.descriptor(bufID)
	ioLock := m.pool.ioLock(bufID)
	for {
		// the flag must be read under header lock because it may be changed at any time
		st := desc.lockHeader()
		desc.unlockHeader(st)
		if !st.has(flagIOInProgress) {
			return
		}
		// the io owner holds io lock in exclusive mode, so this sleeps until the io completes
		ioLock.RLock()
		ioLock.RUnlock()
	}
}
