package buffer

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

var errInjected = errors.New("injected io error")

// testingStorage wraps in-memory disk manager and records the calls
type testingStorage struct {
	*disk.Manager
	mu         sync.Mutex
	reads      int
	writes     []Tag
	batches    [][]disk.WritebackRequest
	failReads  bool
	failWrites bool
}

func newTestingStorage() *testingStorage {
	return &testingStorage{Manager: disk.TestingNewBufferManager()}
}

func (ts *testingStorage) ReadPage(rel common.Relation, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr) error {
	ts.mu.Lock()
	fail := ts.failReads
	ts.reads++
	ts.mu.Unlock()
	if fail {
		return errInjected
	}
	return ts.Manager.ReadPage(rel, forkNum, pageID, p)
}

func (ts *testingStorage) WritePage(rel common.Relation, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr) error {
	ts.mu.Lock()
	fail := ts.failWrites
	if !fail {
		ts.writes = append(ts.writes, NewTag(rel, forkNum, pageID))
	}
	ts.mu.Unlock()
	if fail {
		return errInjected
	}
	return ts.Manager.WritePage(rel, forkNum, pageID, p)
}

func (ts *testingStorage) Writeback(reqs []disk.WritebackRequest) error {
	ts.mu.Lock()
	ts.batches = append(ts.batches, append([]disk.WritebackRequest(nil), reqs...))
	ts.mu.Unlock()
	return ts.Manager.Writeback(reqs)
}

func (ts *testingStorage) setFailReads(fail bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failReads = fail
}

func (ts *testingStorage) setFailWrites(fail bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failWrites = fail
}

func (ts *testingStorage) readCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.reads
}

func (ts *testingStorage) writtenTags() []Tag {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]Tag(nil), ts.writes...)
}

func (ts *testingStorage) writebackBatches() [][]disk.WritebackRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([][]disk.WritebackRequest(nil), ts.batches...)
}

// testingWAL records the flushed lsn. wal up to flushed is considered durable
type testingWAL struct {
	mu      sync.Mutex
	flushed common.WALRecordPtr
	flushes int
}

func (tw *testingWAL) NeedsFlush(lsn common.WALRecordPtr) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return lsn > tw.flushed
}

func (tw *testingWAL) Flush(lsn common.WALRecordPtr) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if lsn > tw.flushed {
		tw.flushed = lsn
		tw.flushes++
	}
	return nil
}

// extendPages creates n pages of the relation main fork
func extendPages(t *testing.T, smgr StorageManager, rel common.Relation, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := smgr.ExtendPage(rel, disk.ForkNumberMain)
		require.Nil(t, err)
	}
}

// tagOf returns the tag of main fork
func tagOf(rel common.Relation, pageID page.PageID) Tag {
	return NewTag(rel, disk.ForkNumberMain, pageID)
}

func (tw *testingWAL) flushCount() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.flushes
}

func (tw *testingWAL) flushedLSN() common.WALRecordPtr {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.flushed
}

func pageIDOf(i int) page.PageID {
	return page.PageID(i)
}

// setPageLSN sets lsn of the page in the buffer. the caller holds exclusive content lock
func setPageLSN(m *Manager, bufID BufferID, lsn common.WALRecordPtr) {
	page.SetLSN(m.GetPage(bufID), lsn)
}
