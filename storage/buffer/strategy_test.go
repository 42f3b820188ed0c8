package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
)

func TestNewAccessStrategy(t *testing.T) {
	tests := []struct {
		name     string
		typ      AccessStrategyType
		poolSize int
		expected int
	}{
		{name: "normal has no ring", typ: AccessNormal, poolSize: 1024, expected: 0},
		{name: "bulk read", typ: AccessBulkRead, poolSize: 1024, expected: 32},
		{name: "bulk write is capped at 1/8 of pool", typ: AccessBulkWrite, poolSize: 1024, expected: 128},
		{name: "bulk write on huge pool", typ: AccessBulkWrite, poolSize: 1 << 16, expected: 2048},
		{name: "vacuum", typ: AccessVacuum, poolSize: 1024, expected: 32},
		{name: "vacuum on small pool", typ: AccessVacuum, poolSize: 16, expected: 2},
		{name: "at least one buffer", typ: AccessBulkRead, poolSize: 4, expected: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as := NewAccessStrategy(tt.typ, tt.poolSize)
			assert.Equal(t, tt.expected, as.RingSize())
			assert.Equal(t, tt.typ, as.Type())
		})
	}
}

func TestAccessStrategyTypeString(t *testing.T) {
	assert.Equal(t, "bulkread", AccessBulkRead.String())
	assert.Equal(t, "strategy(9)", AccessStrategyType(9).String())
}

// fillRing puts buffers 0..ring size-1 into the ring the way clock sweep does
func fillRing(t *testing.T, as *AccessStrategy, p *pool) {
	t.Helper()
	for i := 0; i < as.RingSize(); i++ {
		_, _, ok := as.getBuffer(p)
		require.False(t, ok)
		as.addBuffer(BufferID(i))
	}
}

func TestAccessStrategyGetBuffer(t *testing.T) {
	t.Run("the buffer in the ring is reused", func(t *testing.T) {
		p := newPool(64)
		as := NewAccessStrategy(AccessBulkRead, p.size())
		require.Equal(t, 8, as.RingSize())
		fillRing(t, as, p)

		for i := 0; i < as.RingSize(); i++ {
			bufID, st, ok := as.getBuffer(p)
			require.True(t, ok)
			// the ring is used in the order the buffers were added
			assert.Equal(t, BufferID(i), bufID)
			p.descriptor(bufID).unlockHeader(st)
		}
	})
	t.Run("the buffer used by others is left", func(t *testing.T) {
		p := newPool(64)
		as := NewAccessStrategy(AccessBulkRead, p.size())
		fillRing(t, as, p)
		// buffer 0 is pinned and buffer 1 is used twice
		p.descriptor(0).pin(false, DefaultMaxUsageCount)
		p.descriptor(1).withHeaderLock(func(st state) state { return st.withUsage(2) })

		_, _, ok := as.getBuffer(p)
		assert.False(t, ok)
		_, _, ok = as.getBuffer(p)
		assert.False(t, ok)
		bufID, st, ok := as.getBuffer(p)
		require.True(t, ok)
		assert.Equal(t, BufferID(2), bufID)
		p.descriptor(bufID).unlockHeader(st)
	})
}

func TestAccessStrategyReject(t *testing.T) {
	tests := []struct {
		name     string
		typ      AccessStrategyType
		expected bool
	}{
		{name: "bulk read", typ: AccessBulkRead, expected: true},
		{name: "bulk write", typ: AccessBulkWrite, expected: false},
		{name: "vacuum", typ: AccessVacuum, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPool(64)
			as := NewAccessStrategy(tt.typ, p.size())
			fillRing(t, as, p)
			bufID, st, ok := as.getBuffer(p)
			require.True(t, ok)
			p.descriptor(bufID).unlockHeader(st)

			// the buffer not under the current position is never rejected
			assert.False(t, as.reject(bufID+1))
			assert.Equal(t, tt.expected, as.reject(bufID))
			if tt.expected {
				// the position is emptied so that the next round allocates new buffer
				assert.Equal(t, InvalidBufferID, as.buffers[as.current])
			}
		})
	}
	t.Run("nil strategy", func(t *testing.T) {
		var as *AccessStrategy
		assert.False(t, as.reject(0))
	})
	t.Run("the buffer not from the ring", func(t *testing.T) {
		p := newPool(64)
		as := NewAccessStrategy(AccessBulkRead, p.size())
		_, _, ok := as.getBuffer(p)
		require.False(t, ok)
		as.addBuffer(5)
		assert.False(t, as.reject(5))
	})
}

func TestBulkReadUsesRing(t *testing.T) {
	ts := newTestingStorage()
	rel := common.Relation(1)
	extendPages(t, ts, rel, 40)
	m, err := TestingNewManagerWithStorage(ts, 64)
	require.Nil(t, err)
	w := m.NewWorker()
	as := m.NewAccessStrategy(AccessBulkRead)
	require.Equal(t, 8, as.RingSize())

	used := make(map[BufferID]struct{})
	for i := 0; i < 40; i++ {
		bufID, err := w.ReadBuffer(rel, disk.ForkNumberMain, pageIDOf(i), as)
		require.Nil(t, err)
		used[bufID] = struct{}{}
		m.Unpin(bufID, false)
	}
	// the scan doesn't flush the whole pool
	assert.Len(t, used, 8)
	assert.Equal(t, 8, m.Stats().Valid)
	assert.Equal(t, 40, ts.readCount())
}

func TestBulkReadRejectsDirtyBuffer(t *testing.T) {
	ts := newTestingStorage()
	rel := common.Relation(1)
	extendPages(t, ts, rel, 2)
	wal := &testingWAL{}
	m, err := TestingNewManagerWithStorage(ts, 8, WithWAL(wal))
	require.Nil(t, err)
	w := m.NewWorker()
	as := m.NewAccessStrategy(AccessBulkRead)
	require.Equal(t, 1, as.RingSize())

	first, err := w.ReadBuffer(rel, disk.ForkNumberMain, 0, as)
	require.Nil(t, err)
	m.AcquireContentLock(first, true)
	setPageLSN(m, first, 100)
	m.MarkDirty(first)
	m.ReleaseContentLock(first, true)
	m.Unpin(first, false)

	// writing the dirty buffer requires wal flush, so the ring gives it up
	second, err := w.ReadBuffer(rel, disk.ForkNumberMain, 1, as)
	require.Nil(t, err)
	assert.NotEqual(t, first, second)
	m.Unpin(second, false)

	assert.Empty(t, ts.writtenTags())
	assert.Equal(t, 0, wal.flushCount())
	assert.True(t, m.IsValid(first))
	assert.Equal(t, tagOf(rel, 0), m.GetTag(first))
}
