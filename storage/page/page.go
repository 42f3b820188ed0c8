/*
Page is the unit of I/O in bufmgr.
Disk manager organizes file as a collection of pages, and the shared buffer pool caches them.
Page in bufmgr may be called `block` in postgres.

The layout of the page content is owned by the access methods, not by the buffer manager.
The only part of the page the buffer manager looks into is the lsn stored at the head of the page
(see header.go), because the wal has to be flushed up to the lsn before the page is written out.
*/
package page

import "math"

/*
PageSize is the byte size of page. 8KB is the default size in postgres
see block_size parameter in https://www.postgresql.org/docs/current/runtime-config-preset.html
*/
const PageSize = 8192

// PageID is the unique identifier given to each page within one relation fork, which is called blockNumber in postgres
// see https://github.com/postgres/postgres/blob/d63d957e330c611f7a8c0ed02e4407f40f975026/src/include/storage/block.h#L17-L31
type PageID uint32

const (
	// first page id in file
	FirstPageID PageID = 0
	// invalid page id
	InvalidPageID PageID = math.MaxUint32
	// NewPageID is passed by the caller who wants a new page appended at the end of the relation (P_NEW in postgres)
	NewPageID PageID = math.MaxUint32 - 1
	// max page id
	MaxPageID PageID = math.MaxUint32 - 2
)

// PagePtr is pointer to page
// page should not be passed by value in many cases (for concurrent access and space-efficiency)
type PagePtr *[PageSize]byte

// NewPagePtr returns 0-filled page pointer
func NewPagePtr() PagePtr {
	p := &[PageSize]byte{}
	return PagePtr(p)
}

// IsNew checks whether the page is all zero, which means the page is just extended and never written by access methods
// see https://github.com/postgres/postgres/blob/bfcf1b34805f70df48eedeec237230d0cc1154a6/src/include/storage/bufpage.h#L231
func IsNew(p PagePtr) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// CalculateFileOffset calculates the page's offset within the file
// the page size is fixed (8KB) so that it is easy to calculate the offset
func CalculateFileOffset(pageID PageID) int64 {
	return int64(pageID) * PageSize
}
