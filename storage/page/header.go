package page

import (
	"encoding/binary"

	"github.com/HayatoShiba/bufmgr/common"
)

// lsn is defined at the head of page (pd_lsn in postgres)
// lsn is log sequence number and this is used for confirming the write-ahead rule:
// the wal must be flushed up to the page lsn before the page itself is written out.
// see https://github.com/postgres/postgres/blob/bfcf1b34805f70df48eedeec237230d0cc1154a6/src/include/storage/bufpage.h#L109-L155
const (
	lsnOffset = 0
	lsnSize   = 8
)

// GetLSN returns lsn
func GetLSN(p PagePtr) common.WALRecordPtr {
	lsn := binary.LittleEndian.Uint64(p[lsnOffset : lsnOffset+lsnSize])
	return common.WALRecordPtr(lsn)
}

// SetLSN sets lsn
func SetLSN(p PagePtr, lsn common.WALRecordPtr) {
	binary.LittleEndian.PutUint64(p[lsnOffset:lsnOffset+lsnSize], uint64(lsn))
}
