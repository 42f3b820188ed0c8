package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

func TestNewBufferTable(t *testing.T) {
	tests := []struct {
		name       string
		partitions int
		wantErr    bool
	}{
		{name: "one", partitions: 1},
		{name: "power of two", partitions: 16},
		{name: "zero", partitions: 0, wantErr: true},
		{name: "not power of two", partitions: 12, wantErr: true},
		{name: "negative", partitions: -4, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bt, err := newBufferTable(tt.partitions)
			if tt.wantErr {
				assert.NotNil(t, err)
				return
			}
			require.Nil(t, err)
			assert.Len(t, bt.partitions, tt.partitions)
		})
	}
}

// insertTag inserts the tag holding the partition lock the way Worker.Assign does
func insertTag(bt *bufferTable, t Tag, bufID BufferID) (BufferID, error) {
	p := bt.partitionFor(t.hashCode())
	p.Lock()
	defer p.Unlock()
	return p.insertLocked(t, bufID)
}

// deleteTag deletes the tag holding the partition lock
func deleteTag(bt *bufferTable, t Tag) {
	p := bt.partitionFor(t.hashCode())
	p.Lock()
	defer p.Unlock()
	p.deleteLocked(t)
}

func TestBufferTable(t *testing.T) {
	bt, err := newBufferTable(4)
	require.Nil(t, err)
	tagA := tagOf(1, 0)
	tagB := tagOf(1, 1)

	_, ok := bt.lookup(tagA)
	assert.False(t, ok)

	_, err = insertTag(bt, tagA, 3)
	require.Nil(t, err)
	got, ok := bt.lookup(tagA)
	assert.True(t, ok)
	assert.Equal(t, BufferID(3), got)

	// the tag already mapped is not overwritten
	existing, err := insertTag(bt, tagA, 5)
	assert.ErrorIs(t, err, ErrAlreadyPresent)
	assert.Equal(t, BufferID(3), existing)
	got, _ = bt.lookup(tagA)
	assert.Equal(t, BufferID(3), got)

	_, err = insertTag(bt, tagB, 5)
	require.Nil(t, err)
	assert.Equal(t, 2, bt.len())

	deleteTag(bt, tagA)
	_, ok = bt.lookup(tagA)
	assert.False(t, ok)
	// deleting absent tag is no-op
	deleteTag(bt, tagA)
	assert.Equal(t, 1, bt.len())
}

func TestTagHashCode(t *testing.T) {
	t.Run("equal tags have the same hash", func(t *testing.T) {
		assert.Equal(t, tagOf(7, 3).hashCode(), tagOf(7, 3).hashCode())
		assert.NotEqual(t, tagOf(7, 3).hashCode(), NewTag(7, disk.ForkNumberFSM, 3).hashCode())
	})
	t.Run("sequential pages spread over partitions", func(t *testing.T) {
		bt, err := newBufferTable(16)
		require.Nil(t, err)
		used := make(map[*partition]int)
		for i := 0; i < 256; i++ {
			used[bt.partitionFor(tagOf(1, page.PageID(i)).hashCode())]++
		}
		// every partition is used and none takes the most of them
		assert.Len(t, used, 16)
		for _, n := range used {
			assert.Less(t, n, 64)
		}
	})
}

func TestTagLess(t *testing.T) {
	tests := []struct {
		name string
		a, b Tag
		less bool
	}{
		{name: "relation", a: tagOf(1, 9), b: tagOf(2, 0), less: true},
		{name: "fork", a: NewTag(1, disk.ForkNumberMain, 9), b: NewTag(1, disk.ForkNumberFSM, 0), less: true},
		{name: "page", a: tagOf(1, 1), b: tagOf(1, 2), less: true},
		{name: "equal", a: tagOf(1, 1), b: tagOf(1, 1), less: false},
		{name: "greater", a: tagOf(2, 0), b: tagOf(1, 5), less: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.less, tt.a.less(tt.b))
		})
	}
}

func TestBufferTableConcurrentInsert(t *testing.T) {
	bt, err := newBufferTable(4)
	require.Nil(t, err)
	tag := tagOf(common.Relation(1), 0)

	// only one goroutine wins the race for the same tag
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id BufferID) {
			defer wg.Done()
			if _, err := insertTag(bt, tag, id); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(BufferID(i))
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, bt.len())
}
