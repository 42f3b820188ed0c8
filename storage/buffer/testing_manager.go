package buffer

import (
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/bufmgr/storage/disk"
)

// TestingConfig returns the configuration of small pool for testing
func TestingConfig(poolSize int) Config {
	cfg := DefaultConfig()
	cfg.PoolSize = poolSize
	cfg.Partitions = 4
	return cfg
}

// TestingNewManager initializes the shared buffer manager with buffer storage (no disk io) and discarded logs
func TestingNewManager(poolSize int, opts ...Option) (*Manager, error) {
	return TestingNewManagerWithStorage(disk.TestingNewBufferManager(), poolSize, opts...)
}

// TestingNewManagerWithStorage initializes the shared buffer manager with the storage
func TestingNewManagerWithStorage(smgr StorageManager, poolSize int, opts ...Option) (*Manager, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	m, err := NewManager(smgr, TestingConfig(poolSize), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "NewManager failed")
	}
	return m, nil
}

// TestingNewManagerWithNoFreeList initializes the shared buffer manager with no free list
// so that every allocation uses clock sweep
func TestingNewManagerWithNoFreeList(poolSize int) (*Manager, error) {
	m, err := TestingNewManager(poolSize)
	if err != nil {
		return nil, err
	}
	m.sc.firstFree = freeNextEndOfList
	for i := range m.pool.descriptors {
		m.pool.descriptors[i].freeNext = freeNextNotInList
	}
	return m, nil
}
