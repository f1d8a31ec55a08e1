package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*BackupService, string) {
	t.Helper()
	tmpDir := t.TempDir()
	storage, err := NewFileStorage(tmpDir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return NewBackupService(storage, "1.0.0", "records"), tmpDir
}

func TestBackupService_CreateAndRestore(t *testing.T) {
	service, tmpDir := newTestService(t)

	data := &BackupData{
		Items:    []json.RawMessage{json.RawMessage(`{"call_id":"c1"}`), json.RawMessage(`{"call_id":"c2"}`)},
		Metadata: map[string]string{"source": "test"},
	}
	name, err := service.CreateBackup(context.Background(), data)
	if err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}
	if !strings.HasPrefix(name, "records-") || !strings.HasSuffix(name, ".json") {
		t.Errorf("unexpected backup name %q", name)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, name)); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	restored, err := service.RestoreBackup(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to restore backup: %v", err)
	}
	if restored.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", restored.Version)
	}
	if len(restored.Items) != 2 {
		t.Errorf("expected 2 items, got %d", len(restored.Items))
	}
	if restored.Metadata["source"] != "test" {
		t.Errorf("metadata lost: %v", restored.Metadata)
	}
}

func TestBackupService_LatestAndCreatedAt(t *testing.T) {
	service, _ := newTestService(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var names []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		service.now = func() time.Time { return at }
		name, err := service.CreateBackup(context.Background(), &BackupData{})
		if err != nil {
			t.Fatalf("failed to create backup: %v", err)
		}
		names = append(names, name)
	}

	listed, err := service.ListBackups(context.Background())
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}
	if len(listed) != 3 || listed[0] != names[0] {
		t.Fatalf("expected oldest first, got %v", listed)
	}

	latest, err := service.Latest(context.Background())
	if err != nil {
		t.Fatalf("failed to find latest: %v", err)
	}
	if latest != names[2] {
		t.Errorf("expected %s, got %s", names[2], latest)
	}

	created, err := service.CreatedAt(latest)
	if err != nil {
		t.Fatalf("failed to parse name: %v", err)
	}
	if !created.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("unexpected creation time %s", created)
	}
}

func TestBackupService_LatestWhenEmpty(t *testing.T) {
	service, _ := newTestService(t)

	latest, err := service.Latest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != "" {
		t.Errorf("expected no backup, got %s", latest)
	}
}

func TestBackupService_RejectsUnversioned(t *testing.T) {
	tmpDir := t.TempDir()
	storage, err := NewFileStorage(tmpDir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := storage.Save(context.Background(), "records-bad.json", bytes.NewReader([]byte(`{"items":[]}`))); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	service := NewBackupService(storage, "1.0.0", "records")
	if _, err := service.RestoreBackup(context.Background(), "records-bad.json"); err == nil {
		t.Error("expected error for backup without version")
	}
}

func TestBackupService_DeleteBackup(t *testing.T) {
	service, tmpDir := newTestService(t)

	name, err := service.CreateBackup(context.Background(), &BackupData{})
	if err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}
	if err := service.DeleteBackup(context.Background(), name); err != nil {
		t.Fatalf("failed to delete backup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, name)); !os.IsNotExist(err) {
		t.Error("backup file should be deleted")
	}
}

func TestFileStorage(t *testing.T) {
	tmpDir := t.TempDir()
	storage, err := NewFileStorage(tmpDir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if err := storage.Save(context.Background(), "test.txt", bytes.NewReader([]byte("test data"))); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := storage.Load(context.Background(), "test.txt")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	loaded.Close()

	files, err := storage.List(context.Background(), "test")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 file, got %v", files)
	}

	if err := storage.Delete(context.Background(), "test.txt"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
}
