/*
Writeback coalescing

After the dirty buffer is written, the page is still in os page cache.
If the os writes many pages out at once (e.g. at fsync in checkpoint), io stalls.
So the written pages are remembered in writeback context and, when enough pages are pending,
the os is asked to write them out. The pending requests are sorted and adjacent pages are
coalesced into one range, which lets the storage issue fewer and sequential io.

The context holds only tags, never page bytes. The authoritative bytes are in the buffer
(or already handed to the os), so the pending request never becomes stale.

The context is owned by one worker (or the background writer / checkpoint) and is not safe for concurrent use.

see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4930-L5050
*/
package buffer

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

// WritebackMaxPendingFlushes is the upper bound of pending requests (WRITEBACK_MAX_PENDING_FLUSHES)
const WritebackMaxPendingFlushes = 256

// writebacker is the storage which accepts writeback requests
type writebacker interface {
	Writeback(reqs []disk.WritebackRequest) error
}

// WritebackContext is the batch of pending writeback requests
type WritebackContext struct {
	smgr writebacker
	// maxPending is the number of requests which triggers flush. 0 disables writeback
	maxPending int
	pending    []Tag
	// the number of batches handed to the storage
	batches int
}

// NewWritebackContext initializes writeback context
// maxPending is clamped into [0, WritebackMaxPendingFlushes]
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4934
func NewWritebackContext(smgr writebacker, maxPending int) *WritebackContext {
	if maxPending < 0 {
		maxPending = 0
	}
	if maxPending > WritebackMaxPendingFlushes {
		maxPending = WritebackMaxPendingFlushes
	}
	return &WritebackContext{
		smgr:       smgr,
		maxPending: maxPending,
		pending:    make([]Tag, 0, maxPending),
	}
}

// Schedule adds the tag to pending requests.
// when the number of pending requests reaches max, they are flushed automatically
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4946
func (wb *WritebackContext) Schedule(t Tag) error {
	// writeback is disabled
	if wb.maxPending <= 0 {
		return nil
	}
	wb.pending = append(wb.pending, t)
	if len(wb.pending) < wb.maxPending {
		return nil
	}
	return wb.Flush()
}

// Flush hands all pending requests to the storage as one batch and clears them.
// if there is no pending request, this is no-op
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4986
func (wb *WritebackContext) Flush() error {
	if len(wb.pending) == 0 {
		return nil
	}
	reqs := coalesceWritebacks(wb.pending)
	// the requests are cleared even if the storage fails. they are only hints
	wb.pending = wb.pending[:0]
	wb.batches++
	if err := wb.smgr.Writeback(reqs); err != nil {
		return errors.Wrap(err, "smgr.Writeback failed")
	}
	return nil
}

// Pending returns the number of pending requests
func (wb *WritebackContext) Pending() int {
	return len(wb.pending)
}

// Batches returns how many batches have been handed to the storage
func (wb *WritebackContext) Batches() int {
	return wb.batches
}

// coalesceWritebacks sorts the tags and merges the adjacent pages in the same relation fork into one range.
// duplicated tags are merged too
func coalesceWritebacks(tags []Tag) []disk.WritebackRequest {
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].less(tags[j])
	})
	reqs := make([]disk.WritebackRequest, 0, len(tags))
	for _, t := range tags {
		if n := len(reqs); n > 0 {
			last := &reqs[n-1]
			if last.Rel == t.Rel && last.ForkNum == t.ForkNum {
				end := last.PageID + page.PageID(last.NPages)
				// same page is scheduled twice
				if t.PageID < end {
					continue
				}
				// the page just after the range
				if t.PageID == end {
					last.NPages++
					continue
				}
			}
		}
		reqs = append(reqs, disk.WritebackRequest{
			Rel:     t.Rel,
			ForkNum: t.ForkNum,
			PageID:  t.PageID,
			NPages:  1,
		})
	}
	return reqs
}
