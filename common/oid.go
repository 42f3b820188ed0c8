package common

// oid is object id
// in bufmgr, this is expected to be used as relation file identifier
// see https://github.com/postgres/postgres/blob/2f47715cc8649f854b1df28dfc338af9801db217/src/include/postgres_ext.h#L28-L31
type oid uint32

// Relation is relation file oid
// the buffer manager identifies a page with relation + fork number + page id
// the relation is only the identity of the file. catalog lookups are never needed to locate a page
type Relation oid

// InvalidRelation is the zero relation, which is never assigned to a real relation file
const InvalidRelation Relation = 0

// WALRecordPtr is the position in write-ahead log (called XLogRecPtr / lsn in postgres)
// page header stores the lsn of the last wal record which modified the page
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/access/xlogdefs.h#L17-L28
type WALRecordPtr uint64

// InvalidWALRecordPtr means no wal record
const InvalidWALRecordPtr WALRecordPtr = 0
