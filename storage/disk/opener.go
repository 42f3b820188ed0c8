/*
This file defines opener interface and its implementations.
We don't want to execute disk I/O in test, so it's better to use byte slice instead of actual file in test.
For this reason, opener interface is defined. Opener opens its storage. The implementations are:
- fileOpener: open and return file. the number of open files is bounded with lru.
- bufferOpener: open and return byte slice. this is intended to be used in test.

Postgres manages file descriptors by itself not to exceed system limits on the number of open files
a single process can have (virtual file descriptor). fileOpener does the same thing in a simple way:
the open files are cached in lru and the least recently used file is closed when the cache is full.
see https://github.com/postgres/postgres/blob/2d4f1ba6cfc2f0a977f1c30bda9848041343e248/src/backend/storage/file/fd.c#L1-L71
*/
package disk

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/common"
)

// opener opens storage
type opener interface {
	open(common.Relation, ForkNumber) (storage, error)
	// exists checks whether the storage has been created
	exists(common.Relation, ForkNumber) bool
	// close closes all storages opened
	close() error
}

// defaultMaxOpenFiles is used when max open files is not specified
const defaultMaxOpenFiles = 64

// fileOpener opens file under dir
type fileOpener struct {
	dir string
	// cache file descriptors after open the files
	st *lru.Cache[string, storage]
}

// newFileOpener initializes fileOpener
func newFileOpener(dir string, maxOpenFiles int) (*fileOpener, error) {
	if maxOpenFiles <= 0 {
		maxOpenFiles = defaultMaxOpenFiles
	}
	// evicted file is closed. it will be re-opened when accessed next time
	cache, err := lru.NewWithEvict[string, storage](maxOpenFiles, func(_ string, st storage) {
		_ = st.Close()
	})
	if err != nil {
		return nil, errors.Wrap(err, "lru.NewWithEvict failed")
	}
	return &fileOpener{
		dir: dir,
		st:  cache,
	}, nil
}

// open opens and returns specified relation fork file under the directory
func (fo *fileOpener) open(rel common.Relation, forkNum ForkNumber) (storage, error) {
	filePath := getRelationForkFilePath(fo.dir, rel, forkNum)
	// when file descriptor is cached, just return it
	if st, ok := fo.st.Get(filePath); ok {
		return st, nil
	}
	fd, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}
	st := fileStorage{fd}
	fo.st.Add(filePath, st)
	return st, nil
}

// exists checks whether the file exists
func (fo *fileOpener) exists(rel common.Relation, forkNum ForkNumber) bool {
	filePath := getRelationForkFilePath(fo.dir, rel, forkNum)
	if fo.st.Contains(filePath) {
		return true
	}
	_, err := os.Stat(filePath)
	return err == nil
}

// close closes all cached files (through the eviction callback)
func (fo *fileOpener) close() error {
	fo.st.Purge()
	return nil
}

// bufferOpener opens buffer
type bufferOpener struct {
	st map[string]*bufferStorage
}

// newBufferOpener initializes bufferOpener
func newBufferOpener() *bufferOpener {
	return &bufferOpener{
		st: make(map[string]*bufferStorage),
	}
}

// open returns specified buffer
func (bo *bufferOpener) open(rel common.Relation, forkNum ForkNumber) (storage, error) {
	path := getRelationForkFilePath("", rel, forkNum)
	buf, ok := bo.st[path]
	if ok {
		return buf, nil
	}
	buf = newBufferStorage()
	bo.st[path] = buf
	return buf, nil
}

// exists checks whether the buffer has been opened
func (bo *bufferOpener) exists(rel common.Relation, forkNum ForkNumber) bool {
	_, ok := bo.st[getRelationForkFilePath("", rel, forkNum)]
	return ok
}

// close doesn't do anything. the contents are kept so that test can re-read them
func (bo *bufferOpener) close() error {
	return nil
}
