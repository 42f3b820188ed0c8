package page

import (
	"math/rand"

	"github.com/HayatoShiba/bufmgr/common"
)

// TestingNewRandomPage returns the page filled with random bytes
// the lsn is set to the given value so that the wal gate can be checked in test
func TestingNewRandomPage(lsn common.WALRecordPtr) PagePtr {
	p := NewPagePtr()
	// math/rand Read never returns error
	_, _ = rand.Read(p[:])
	SetLSN(p, lsn)
	return p
}
