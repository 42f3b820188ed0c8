package disk

import "testing"

// TestingNewFileManager initializes disk manager with file storage.
// the files are created under t.TempDir() so they are removed after test is completed
func TestingNewFileManager(t *testing.T) (*Manager, error) {
	return NewManager(t.TempDir(), 4)
}

// TestingNewBufferManager initializes disk manager with buffer storage instead of file storage. This prevents unnecessary disk I/O.
func TestingNewBufferManager() *Manager {
	return &Manager{opener: newBufferOpener()}
}
