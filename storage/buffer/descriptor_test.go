package buffer

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestNewPool(t *testing.T) {
	p := newPool(16)
	tests := []struct {
		name     string
		id       BufferID
		expected BufferID
	}{
		{
			name:     "id is 10",
			id:       10,
			expected: 11,
		},
		{
			name:     "the last buffer",
			id:       15,
			expected: freeNextEndOfList,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := p.descriptor(tt.id)
			assert.Equal(t, tt.expected, desc.freeNext)
			assert.Equal(t, tt.id, desc.id)
			assert.Equal(t, invalidTag, desc.tag)
		})
	}
	assert.Equal(t, uintptr(0), unsafe.Sizeof(paddedDescriptor{})%cacheLineSize)
	assert.Equal(t, 16*bufferSize, len(p.pages))
	assert.False(t, p.valid(16))
	assert.False(t, p.valid(InvalidBufferID))
}

func TestPoolPage(t *testing.T) {
	p := newPool(2)
	p.page(1)[0] = 0xff
	assert.Equal(t, byte(0xff), p.pages[bufferSize])
	assert.Equal(t, byte(0), p.page(0)[0])
}

func TestHeaderLock(t *testing.T) {
	desc := &descriptor{}
	desc.state.Store(uint32(state(0).incRef().set(flagDirty)))

	st := desc.lockHeader()
	// the state before lock is returned
	assert.False(t, st.has(flagLocked))
	assert.True(t, desc.loadState().has(flagLocked))

	desc.unlockHeader(st.set(flagValid))
	got := desc.loadState()
	assert.False(t, got.has(flagLocked))
	assert.True(t, got.has(flagDirty|flagValid))
	assert.Equal(t, uint32(1), got.refCount())
}

func TestWithHeaderLock(t *testing.T) {
	t.Run("state returned is stored", func(t *testing.T) {
		desc := &descriptor{}
		desc.withHeaderLock(func(st state) state {
			return st.set(flagDirty)
		})
		assert.Equal(t, state(0).set(flagDirty), desc.loadState())
	})
	t.Run("released on panic", func(t *testing.T) {
		desc := &descriptor{}
		assert.Panics(t, func() {
			desc.withHeaderLock(func(st state) state {
				protocolViolation("test")
				return st
			})
		})
		assert.False(t, desc.loadState().has(flagLocked))
	})
}

func TestHeaderLockConcurrent(t *testing.T) {
	desc := &descriptor{}
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				desc.withHeaderLock(func(st state) state {
					counter++
					return st
				})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestPin(t *testing.T) {
	t.Run("without strategy", func(t *testing.T) {
		desc := &descriptor{}
		desc.state.Store(uint32(state(0).set(flagValid)))
		assert.True(t, desc.pin(false, DefaultMaxUsageCount))
		assert.True(t, desc.pin(false, DefaultMaxUsageCount))
		st := desc.loadState()
		assert.Equal(t, uint32(2), st.refCount())
		assert.Equal(t, uint32(2), st.usageCount())
	})
	t.Run("with strategy", func(t *testing.T) {
		desc := &descriptor{}
		assert.False(t, desc.pin(true, DefaultMaxUsageCount))
		assert.False(t, desc.pin(true, DefaultMaxUsageCount))
		st := desc.loadState()
		assert.Equal(t, uint32(2), st.refCount())
		// usage count is at most 1 with strategy
		assert.Equal(t, uint32(1), st.usageCount())
	})
	t.Run("usage count saturates", func(t *testing.T) {
		desc := &descriptor{}
		for i := 0; i < 10; i++ {
			desc.pin(false, 3)
		}
		assert.Equal(t, uint32(3), desc.loadState().usageCount())
	})
	t.Run("try pin fails when header locked", func(t *testing.T) {
		desc := &descriptor{}
		st := desc.lockHeader()
		_, ok := desc.tryPin(false, DefaultMaxUsageCount)
		assert.False(t, ok)
		desc.unlockHeader(st)
		_, ok = desc.tryPin(false, DefaultMaxUsageCount)
		assert.True(t, ok)
	})
}

func TestPinLocked(t *testing.T) {
	desc := &descriptor{}
	st := desc.lockHeader()
	desc.pinLocked(st)
	got := desc.loadState()
	assert.False(t, got.has(flagLocked))
	assert.Equal(t, uint32(1), got.refCount())
	// usage count is not changed
	assert.Equal(t, uint32(0), got.usageCount())
}

func TestUnpin(t *testing.T) {
	desc := &descriptor{}
	desc.pin(false, DefaultMaxUsageCount)
	desc.pin(false, DefaultMaxUsageCount)
	st := desc.unpin()
	assert.Equal(t, uint32(1), st.refCount())
	st = desc.unpin()
	assert.Equal(t, uint32(0), st.refCount())
	// usage count is kept after unpin
	assert.Equal(t, uint32(2), st.usageCount())
	assert.Panics(t, func() { desc.unpin() })
}

func TestPinUnpinConcurrent(t *testing.T) {
	desc := &descriptor{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				desc.pin(false, DefaultMaxUsageCount)
				// header lock holder and cas operations don't break each other
				desc.withHeaderLock(func(st state) state {
					return st.set(flagValid)
				})
				desc.unpin()
			}
		}()
	}
	wg.Wait()
	st := desc.loadState()
	assert.Equal(t, uint32(0), st.refCount())
	assert.Equal(t, uint32(DefaultMaxUsageCount), st.usageCount())
	assert.True(t, st.has(flagValid))
}

func TestSetDirty(t *testing.T) {
	desc := &descriptor{}
	assert.Panics(t, func() { desc.setDirty() })

	desc.pin(false, DefaultMaxUsageCount)
	desc.setDirty()
	assert.True(t, desc.loadState().has(flagDirty|flagJustDirtied))
}
