package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
)

// readDirtyPages reads n pages of the relation, dirties and unpins them
func readDirtyPages(t *testing.T, m *Manager, rel common.Relation, n int) []BufferID {
	t.Helper()
	w := m.NewWorker()
	defer w.Close()
	ids := make([]BufferID, 0, n)
	for i := 0; i < n; i++ {
		bufID, err := w.ReadBuffer(rel, disk.ForkNumberMain, pageIDOf(i), nil)
		require.Nil(t, err)
		m.Unpin(bufID, true)
		ids = append(ids, bufID)
	}
	return ids
}

// resetUsage makes the buffer look like not recently used
func resetUsage(m *Manager, bufID BufferID) {
	m.pool.descriptor(bufID).withHeaderLock(func(st state) state { return st.withUsage(0) })
}

func TestNewBgWriter(t *testing.T) {
	m, err := TestingNewManager(8)
	require.Nil(t, err)
	cfg := DefaultBgWriterConfig()
	cfg.Delay = time.Millisecond
	_, err = NewBgWriter(m, cfg)
	assert.NotNil(t, err)
}

func TestBgWriterBufferSync(t *testing.T) {
	t.Run("writes dirty buffers which are not recently used", func(t *testing.T) {
		ts := newTestingStorage()
		rel := common.Relation(1)
		extendPages(t, ts, rel, 4)
		m, err := TestingNewManagerWithStorage(ts, 8)
		require.Nil(t, err)
		ids := readDirtyPages(t, m, rel, 4)
		resetUsage(m, ids[0])
		resetUsage(m, ids[1])

		bw, err := NewBgWriter(m, DefaultBgWriterConfig())
		require.Nil(t, err)
		canHibernate, err := bw.bufferSync()
		require.Nil(t, err)
		assert.False(t, canHibernate)
		assert.Equal(t, int64(2), bw.Written())
		assert.Equal(t, []Tag{tagOf(rel, 0), tagOf(rel, 1)}, ts.writtenTags())
		assert.Equal(t, 2, m.Stats().Dirty)
		assert.Equal(t, 2, bw.wb.Pending())

		// nothing is allocated since the last round and the whole pool has been scanned
		canHibernate, err = bw.bufferSync()
		require.Nil(t, err)
		assert.True(t, canHibernate)
		assert.Equal(t, int64(2), bw.Written())
	})
	t.Run("max pages", func(t *testing.T) {
		ts := newTestingStorage()
		rel := common.Relation(1)
		extendPages(t, ts, rel, 4)
		m, err := TestingNewManagerWithStorage(ts, 8)
		require.Nil(t, err)
		for _, bufID := range readDirtyPages(t, m, rel, 4) {
			resetUsage(m, bufID)
		}

		cfg := DefaultBgWriterConfig()
		cfg.MaxPages = 3
		bw, err := NewBgWriter(m, cfg)
		require.Nil(t, err)
		_, err = bw.bufferSync()
		require.Nil(t, err)
		assert.Equal(t, int64(3), bw.Written())
		assert.Equal(t, 1, m.Stats().Dirty)
	})
	t.Run("disabled", func(t *testing.T) {
		ts := newTestingStorage()
		rel := common.Relation(1)
		extendPages(t, ts, rel, 2)
		m, err := TestingNewManagerWithStorage(ts, 8)
		require.Nil(t, err)
		for _, bufID := range readDirtyPages(t, m, rel, 2) {
			resetUsage(m, bufID)
		}

		cfg := DefaultBgWriterConfig()
		cfg.MaxPages = 0
		bw, err := NewBgWriter(m, cfg)
		require.Nil(t, err)
		canHibernate, err := bw.bufferSync()
		require.Nil(t, err)
		assert.True(t, canHibernate)
		assert.Empty(t, ts.writtenTags())
	})
}

func TestBgWriterRun(t *testing.T) {
	ts := newTestingStorage()
	rel := common.Relation(1)
	extendPages(t, ts, rel, 1)
	m, err := TestingNewManagerWithStorage(ts, 8)
	require.Nil(t, err)
	ids := readDirtyPages(t, m, rel, 1)
	resetUsage(m, ids[0])

	cfg := DefaultBgWriterConfig()
	cfg.Delay = 10 * time.Millisecond
	bw, err := NewBgWriter(m, cfg)
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- bw.Run(ctx)
	}()

	require.Eventually(t, func() bool { return bw.Written() == 1 }, time.Second, time.Millisecond)
	// nothing happens afterwards, so the writer hibernates until the next allocation
	require.Eventually(t, func() bool {
		m.sc.mu.Lock()
		defer m.sc.mu.Unlock()
		return m.sc.bgwNotify != nil
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("background writer doesn't stop")
	}
	m.sc.mu.Lock()
	assert.Nil(t, m.sc.bgwNotify)
	m.sc.mu.Unlock()
	// the pending writeback is flushed at exit
	assert.Len(t, ts.writebackBatches(), 1)
	assert.Equal(t, 0, m.Stats().Dirty)
}
