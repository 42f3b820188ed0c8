package disk

import (
	"bytes"
	"testing"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	_, err := NewManager(t.TempDir(), 0)
	assert.Nil(t, err)
}

func TestWriteReadPage(t *testing.T) {
	fileManager, err := TestingNewFileManager(t)
	require.Nil(t, err)
	tests := []struct {
		name string
		dm   *Manager
	}{
		{
			name: "file storage",
			dm:   fileManager,
		},
		{
			name: "buffer storage",
			dm:   TestingNewBufferManager(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel := common.Relation(1)
			p := page.TestingNewRandomPage(1)
			// write beyond the end of file is allowed
			err := tt.dm.WritePage(rel, ForkNumberMain, page.PageID(2), p)
			require.Nil(t, err)

			got := page.NewPagePtr()
			err = tt.dm.ReadPage(rel, ForkNumberMain, page.PageID(2), got)
			require.Nil(t, err)
			assert.True(t, bytes.Equal(p[:], got[:]))

			// hole is zero-filled
			err = tt.dm.ReadPage(rel, ForkNumberMain, page.PageID(0), got)
			require.Nil(t, err)
			assert.True(t, page.IsNew(got))

			// read beyond the end of file is error
			err = tt.dm.ReadPage(rel, ForkNumberMain, page.PageID(3), got)
			assert.NotNil(t, err)

			npages, err := tt.dm.NPages(rel, ForkNumberMain)
			require.Nil(t, err)
			assert.Equal(t, uint32(3), npages)
		})
	}
}

func TestExtendPage(t *testing.T) {
	dm := TestingNewBufferManager()
	rel := common.Relation(1)

	npages, err := dm.NPages(rel, ForkNumberVM)
	require.Nil(t, err)
	assert.Equal(t, uint32(0), npages)

	for i := 0; i < 3; i++ {
		pageID, err := dm.ExtendPage(rel, ForkNumberVM)
		require.Nil(t, err)
		assert.Equal(t, page.PageID(i), pageID)
	}
	npages, err = dm.NPages(rel, ForkNumberVM)
	require.Nil(t, err)
	assert.Equal(t, uint32(3), npages)
}

func TestWriteback(t *testing.T) {
	dm := TestingNewBufferManager()
	require.Nil(t, dm.WritePage(common.Relation(1), ForkNumberMain, 0, page.NewPagePtr()))
	require.Nil(t, dm.WritePage(common.Relation(2), ForkNumberMain, 0, page.NewPagePtr()))

	reqs := []WritebackRequest{
		{Rel: common.Relation(1), ForkNum: ForkNumberMain, PageID: 0, NPages: 2},
		{Rel: common.Relation(1), ForkNum: ForkNumberMain, PageID: 5, NPages: 1},
		{Rel: common.Relation(2), ForkNum: ForkNumberMain, PageID: 0, NPages: 1},
		// never created, so just skipped
		{Rel: common.Relation(3), ForkNum: ForkNumberMain, PageID: 0, NPages: 1},
	}
	err := dm.Writeback(reqs)
	require.Nil(t, err)
	// each file is synced once
	assert.Equal(t, uint64(2), dm.Writebacks())

	bo := dm.opener.(*bufferOpener)
	assert.Equal(t, 1, bo.st[getRelationForkFilePath("", common.Relation(1), ForkNumberMain)].syncs)
	assert.Equal(t, 1, bo.st[getRelationForkFilePath("", common.Relation(2), ForkNumberMain)].syncs)
	assert.False(t, dm.opener.exists(common.Relation(3), ForkNumberMain))
}

func TestFileOpenerEviction(t *testing.T) {
	dm, err := TestingNewFileManager(t)
	require.Nil(t, err)

	// max open files is 4, so the first relation file is closed and re-opened
	for rel := 1; rel <= 6; rel++ {
		err := dm.WritePage(common.Relation(rel), ForkNumberMain, 0, page.TestingNewRandomPage(common.WALRecordPtr(rel)))
		require.Nil(t, err)
	}
	fo := dm.opener.(*fileOpener)
	assert.Equal(t, 4, fo.st.Len())

	got := page.NewPagePtr()
	err = dm.ReadPage(common.Relation(1), ForkNumberMain, 0, got)
	require.Nil(t, err)
	assert.Equal(t, common.WALRecordPtr(1), page.GetLSN(got))

	assert.Nil(t, dm.Close())
	assert.Equal(t, 0, fo.st.Len())
}
