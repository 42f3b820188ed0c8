package buffer

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/disk"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

// Tag is buffer tag
// buffer tag must be sufficient to locate where the page is on disk
// tag is comparable so that it can be used as map key. equality is exact field equality
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L79-L98
type Tag struct {
	// relation
	Rel common.Relation
	// fork number
	ForkNum disk.ForkNumber
	// page id
	PageID page.PageID
}

// NewTag initializes buffer tag
func NewTag(rel common.Relation, forkNum disk.ForkNumber, pageID page.PageID) Tag {
	return Tag{
		Rel:     rel,
		ForkNum: forkNum,
		PageID:  pageID,
	}
}

// invalidTag is the tag of descriptor which is not assigned any page (CLEAR_BUFFERTAG)
var invalidTag = Tag{
	Rel:     common.InvalidRelation,
	ForkNum: -1,
	PageID:  page.InvalidPageID,
}

// hashCode returns hash code of the tag (BufTableHashCode)
// the tags which differ only in page id must be distributed to different partitions
// because sequential scan accesses the pages in the same relation fork one after another.
// xxhash mixes every input bit, so the low bits used for partitioning are uniform.
func (t Tag) hashCode() uint32 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(t.Rel))
	binary.LittleEndian.PutUint32(b[4:8], uint32(t.ForkNum))
	binary.LittleEndian.PutUint32(b[8:12], uint32(t.PageID))
	h := xxhash.Sum64(b[:])
	return uint32(h) ^ uint32(h>>32)
}

// less orders tags by relation, fork number and page id (the physical location)
// checkpoint and writeback sort with this so that the writes become sequential
func (t Tag) less(o Tag) bool {
	if t.Rel != o.Rel {
		return t.Rel < o.Rel
	}
	if t.ForkNum != o.ForkNum {
		return t.ForkNum < o.ForkNum
	}
	return t.PageID < o.PageID
}
