package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const nameLayout = "20060102-150405.000000000"

// BackupData is one archived snapshot. Items are opaque to this package.
type BackupData struct {
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Items     []json.RawMessage `json:"items"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService names, writes and reads snapshots under one prefix.
type BackupService struct {
	storage Storage
	version string
	prefix  string
	now     func() time.Time
}

func NewBackupService(storage Storage, version, prefix string) *BackupService {
	if prefix == "" {
		prefix = "backup"
	}
	return &BackupService{
		storage: storage,
		version: version,
		prefix:  prefix,
		now:     time.Now,
	}
}

// CreateBackup stamps data and saves it. It returns the backup name.
func (bs *BackupService) CreateBackup(ctx context.Context, data *BackupData) (string, error) {
	data.Version = bs.version
	data.Timestamp = bs.now().UTC()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", bs.prefix, data.Timestamp.Format(nameLayout))
	if err := bs.storage.Save(ctx, name, bytes.NewReader(jsonData)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

// RestoreBackup loads a snapshot by name.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	var data BackupData
	if err := json.NewDecoder(reader).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", name, err)
	}
	if data.Version == "" {
		return nil, fmt.Errorf("invalid backup %s: missing version", name)
	}
	return &data, nil
}

// ListBackups returns backup names oldest first.
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, bs.prefix+"-")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the newest backup name, or "" when there is none.
func (bs *BackupService) Latest(ctx context.Context) (string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// CreatedAt parses the creation time encoded in a backup name.
func (bs *BackupService) CreatedAt(name string) (time.Time, error) {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, bs.prefix+"-"), ".json")
	return time.Parse(nameLayout, stamp)
}
