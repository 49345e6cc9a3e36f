package worker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

type mockBackupStore struct {
	mu    sync.Mutex
	paths []string
}

func (m *mockBackupStore) BackupTo(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
	return os.WriteFile(path, []byte("backup"), 0644)
}

type mockUploader struct {
	mu      sync.Mutex
	uploads []string
}

func (m *mockUploader) Upload(ctx context.Context, name string, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, name)
	return nil
}

func TestBackupCoordinator_BackupAndUpload(t *testing.T) {
	store := &mockBackupStore{}
	uploader := &mockUploader{}
	c := NewBackupCoordinator(store, uploader, time.Hour)

	c.backup(context.Background())

	store.mu.Lock()
	backups := len(store.paths)
	path := ""
	if backups > 0 {
		path = store.paths[0]
	}
	store.mu.Unlock()
	if backups != 1 {
		t.Fatalf("expected one backup written, got %d", backups)
	}

	uploader.mu.Lock()
	uploads := len(uploader.uploads)
	uploader.mu.Unlock()
	if uploads != 1 {
		t.Errorf("expected one upload, got %d", uploads)
	}

	// Staging directory is cleaned up after the upload.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected staging file removed, stat err %v", err)
	}
}
