/*
This file defines storage interface and its implementations.
We don't want to execute disk I/O in test, so it's better to use byte slice instead of actual file in test.
For this reason, storage interface is defined. Possible operation with storage is read/write at offset/sync/get size/close.
The implementations are:
- fileStorage: wrapper of os.File
- bufferStorage: this consists of byte slice which grows when written beyond its end.
*/
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// storage is storage which implements multiple operations necessary for relation fork file.
type storage interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Sync() error
	Close() error
}

// fileStorage is file storage
type fileStorage struct {
	*os.File
}

// Size returns the storage's size
func (fs fileStorage) Size() (int64, error) {
	stat, err := fs.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "Stat failed")
	}
	return stat.Size(), nil
}

// bufferStorage is buffer storage
type bufferStorage struct {
	// buf is actual contents
	buf []byte
	// syncs counts Sync calls, so that writeback can be checked in test
	syncs int

	mu sync.Mutex
}

// newBufferStorage initializes bufferStorage
func newBufferStorage() *bufferStorage {
	return &bufferStorage{}
}

// Size returns the buffer size
func (bs *bufferStorage) Size() (int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return int64(len(bs.buf)), nil
}

// Sync doesn't do anything except counting
func (bs *bufferStorage) Sync() error {
	// on-memory byte slice doesn't need sync
	bs.mu.Lock()
	bs.syncs++
	bs.mu.Unlock()
	return nil
}

// Close doesn't do anything
func (bs *bufferStorage) Close() error {
	return nil
}

// ReadAt reads buffer at off into p
func (bs *bufferStorage) ReadAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if off >= int64(len(bs.buf)) {
		return 0, io.EOF
	}
	nread := copy(p, bs.buf[off:])
	if nread != len(p) {
		return nread, io.EOF
	}
	return nread, nil
}

// WriteAt writes p into buffer at off. the buffer is extended with zero when off is beyond its end
func (bs *bufferStorage) WriteAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if off < 0 {
		return 0, errors.Errorf("negative offset: %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(bs.buf)) {
		extended := make([]byte, end)
		copy(extended, bs.buf)
		bs.buf = extended
	}
	nwritten := copy(bs.buf[off:], p)
	return nwritten, nil
}
