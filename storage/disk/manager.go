/*
Disk manager deals with the relation fork files under the data directory.
This is the storage collaborator of the shared buffer pool manager: the buffer manager asks it to
read/write raw pages identified with (relation, fork number, page id), and to write back a batch of
pages which have been written recently (writeback).

The implementation of disk manager is based on src/backend/storage/smgr directory in postgres.
See smgr README https://github.com/postgres/postgres/blob/b0a55e43299c4ea2a9a8c757f9c26352407d0ccc/src/backend/storage/smgr/README#L1

bufmgr does not support
- database and schema
- the division of files into segments (see https://github.com/postgres/postgres/blob/85d8b30724c0fd117a683cc72706f71b28463a05/src/backend/storage/smgr/md.c#L44-L80
*/
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/HayatoShiba/bufmgr/storage/page"
)

// Manager manages disk
type Manager struct {
	// opener opens relation fork storage
	opener opener
	// mu serializes the access to opener because the open file cache is shared
	mu sync.Mutex
	// writebacks counts how many files have been written back. this is mainly for statistics
	writebacks uint64
}

// WritebackRequest is the range of pages in one relation fork which should be written back
// nPages pages starting from pageID are contained in the range
type WritebackRequest struct {
	Rel     common.Relation
	ForkNum ForkNumber
	PageID  page.PageID
	NPages  int
}

// NewManager initializes disk manager
// dir is the directory which stores relation files, and maxOpenFiles is the upper bound of files opened at once
func NewManager(dir string, maxOpenFiles int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "os.MkdirAll failed")
	}
	fo, err := newFileOpener(dir, maxOpenFiles)
	if err != nil {
		return nil, errors.Wrap(err, "newFileOpener failed")
	}
	return &Manager{
		opener: fo,
	}, nil
}

// ReadPage reads the page from relation fork file into p
// reading the page beyond the end of file is error. the caller has to extend the file in advance
// see https://github.com/postgres/postgres/blob/85d8b30724c0fd117a683cc72706f71b28463a05/src/backend/storage/smgr/md.c#L650
func (m *Manager) ReadPage(rel common.Relation, forkNum ForkNumber, pageID page.PageID, p page.PagePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.opener.open(rel, forkNum)
	if err != nil {
		return errors.Wrap(err, "open failed")
	}
	n, err := st.ReadAt(p[:], page.CalculateFileOffset(pageID))
	if err != nil {
		if err == io.EOF {
			return errors.Errorf("could not read page %d in %d_%s: read only %d bytes", pageID, rel, forkNum, n)
		}
		return errors.Wrap(err, "ReadAt failed")
	}
	return nil
}

// WritePage writes p out to the relation fork file
func (m *Manager) WritePage(rel common.Relation, forkNum ForkNumber, pageID page.PageID, p page.PagePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.opener.open(rel, forkNum)
	if err != nil {
		return errors.Wrap(err, "open failed")
	}
	n, err := st.WriteAt(p[:], page.CalculateFileOffset(pageID))
	if err != nil {
		return errors.Wrap(err, "WriteAt failed")
	}
	if n != page.PageSize {
		return errors.Errorf("WriteAt failed to write the whole page: %d", n)
	}
	return nil
}

// ExtendPage appends zero-filled page at the end of the relation fork file and returns its page id
func (m *Manager) ExtendPage(rel common.Relation, forkNum ForkNumber) (page.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.opener.open(rel, forkNum)
	if err != nil {
		return page.InvalidPageID, errors.Wrap(err, "open failed")
	}
	npages, err := nPages(st)
	if err != nil {
		return page.InvalidPageID, errors.Wrap(err, "nPages failed")
	}
	pageID := page.PageID(npages)
	// when the file has already been extend to the max page id, it cannot be extended anymore
	if pageID > page.MaxPageID {
		return page.InvalidPageID, errors.New("the relation cannot be extended anymore")
	}
	p := page.NewPagePtr()
	if _, err := st.WriteAt(p[:], page.CalculateFileOffset(pageID)); err != nil {
		return page.InvalidPageID, errors.Wrap(err, "WriteAt failed")
	}
	return pageID, nil
}

// NPages returns the number of pages in the relation fork file
func (m *Manager) NPages(rel common.Relation, forkNum ForkNumber) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opener.exists(rel, forkNum) {
		return 0, nil
	}
	st, err := m.opener.open(rel, forkNum)
	if err != nil {
		return 0, errors.Wrap(err, "open failed")
	}
	return nPages(st)
}

// nPages calculates the number of pages from the size of storage
func nPages(st storage) (uint32, error) {
	size, err := st.Size()
	if err != nil {
		return 0, errors.Wrap(err, "Size failed")
	}
	return uint32(size / page.PageSize), nil
}

// Writeback asks the os to write the pages in the requests out to disk.
// postgres issues sync_file_range() for each range. go has no portable equivalent,
// so each file touched by the requests is synced once per batch.
// the requests are expected to be sorted, so the same file appears consecutively.
// see https://github.com/postgres/postgres/blob/85d8b30724c0fd117a683cc72706f71b28463a05/src/backend/storage/smgr/md.c#L727
func (m *Manager) Writeback(reqs []WritebackRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type file struct {
		rel     common.Relation
		forkNum ForkNumber
	}
	synced := make(map[file]struct{})
	for _, req := range reqs {
		f := file{req.Rel, req.ForkNum}
		if _, ok := synced[f]; ok {
			continue
		}
		// the file may have been dropped after the writeback was scheduled
		if !m.opener.exists(req.Rel, req.ForkNum) {
			continue
		}
		st, err := m.opener.open(req.Rel, req.ForkNum)
		if err != nil {
			return errors.Wrap(err, "open failed")
		}
		if err := st.Sync(); err != nil {
			return errors.Wrap(err, "Sync failed")
		}
		synced[f] = struct{}{}
		m.writebacks++
	}
	return nil
}

// Writebacks returns how many files have been written back
func (m *Manager) Writebacks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writebacks
}

// Close closes all files
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opener.close()
}
