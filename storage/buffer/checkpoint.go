/*
Checkpoint writes all the dirty buffers out to disk, so that the wal before the checkpoint
is no longer needed for recovery.
The dirty buffers are marked at the start (BM_CHECKPOINT_NEEDED) and written in the order of
(relation, fork, page). The buffer dirtied after the start is left to the next checkpoint.

see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L248-L266
*/
package buffer

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// checkpointItem is the buffer to be written in checkpoint (CkptSortItem)
type checkpointItem struct {
	tag   Tag
	bufID BufferID
}

// Checkpoint writes all dirty buffers out to disk and returns the number of written buffers.
// the buffers are written in the order of tag so that the writes become sequential.
// the buffer dirtied after the checkpoint started is not needed to be written by this checkpoint
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L1983
func (m *Manager) Checkpoint(wb *WritebackContext) (int, error) {
	// mark all the dirty buffers at this point
	items := make([]checkpointItem, 0)
	for i := 0; i < m.pool.size(); i++ {
		desc := m.pool.descriptor(BufferID(i))
		desc.withHeaderLock(func(st state) state {
			if !st.has(flagDirty | flagPermanent) {
				return st
			}
			items = append(items, checkpointItem{tag: desc.tag, bufID: desc.id})
			return st.set(flagCheckpointNeeded)
		})
	}
	if len(items) == 0 {
		return 0, nil
	}

	sortCheckpointItems(items)

	written := 0
	for _, item := range items {
		desc := m.pool.descriptor(item.bufID)
		// the buffer may have been written by others (e.g. eviction) meanwhile, then the flag is cleared
		if !desc.loadState().has(flagCheckpointNeeded) {
			continue
		}
		result, err := m.syncOneBuffer(item.bufID, false, wb)
		if err != nil {
			return written, errors.Wrap(err, "syncOneBuffer failed")
		}
		if result&syncWritten != 0 {
			written++
		}
	}
	if err := wb.Flush(); err != nil {
		return written, errors.Wrap(err, "wb.Flush failed")
	}
	m.logger.Info("buffer: checkpoint complete",
		"written", written,
		"bytes", humanize.IBytes(uint64(written)*bufferSize),
	)
	return written, nil
}

// sortCheckpointItems sorts the items by tag (and buffer id for the same tag)
func sortCheckpointItems(items []checkpointItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].tag != items[j].tag {
			return items[i].tag.less(items[j].tag)
		}
		return items[i].bufID < items[j].bufID
	})
}
