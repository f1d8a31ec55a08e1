package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"callengine/internal/core/ports"
	"callengine/pkg/backup"

	"go.uber.org/zap"
)

// Scheduler periodically archives recent call records.
type Scheduler struct {
	backupService *backup.BackupService
	records       ports.CallRecordStore
	interval      time.Duration
	retentionDays int
	maxRecords    int
	logger        *zap.SugaredLogger
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// Config contains scheduler configuration
type Config struct {
	Interval      time.Duration
	RetentionDays int
	MaxRecords    int
}

func NewScheduler(
	backupService *backup.BackupService,
	records ports.CallRecordStore,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		backupService: backupService,
		records:       records,
		interval:      cfg.Interval,
		retentionDays: cfg.RetentionDays,
		maxRecords:    cfg.MaxRecords,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Errorw("scheduled call record backup failed", "error", err)
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// RunOnce writes one archive and prunes expired ones. An empty store
// produces no archive.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	data, err := s.collectData(ctx)
	if err != nil {
		return "", err
	}
	if len(data.Items) == 0 {
		s.logger.Debug("no call records to back up")
		return "", nil
	}

	name, err := s.backupService.CreateBackup(ctx, data)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	s.logger.Infow("call record backup created", "backup_name", name, "records", len(data.Items))

	if err := s.cleanupOldBackups(ctx); err != nil {
		s.logger.Warnw("failed to cleanup old backups", "error", err)
	}
	return name, nil
}

func (s *Scheduler) collectData(ctx context.Context) (*backup.BackupData, error) {
	records, err := s.records.ListRecent(ctx, s.maxRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}

	data := &backup.BackupData{
		Items: make([]json.RawMessage, 0, len(records)),
		Metadata: map[string]string{
			"backup_type":  "scheduled",
			"record_count": strconv.Itoa(len(records)),
		},
	}
	for _, record := range records {
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal call record %s: %w", record.CallID, err)
		}
		data.Items = append(data.Items, raw)
	}
	return data, nil
}

func (s *Scheduler) cleanupOldBackups(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}
	backups, err := s.backupService.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	for _, name := range backups {
		createdAt, err := s.backupService.CreatedAt(name)
		if err != nil {
			s.logger.Warnw("failed to parse backup timestamp", "backup_name", name, "error", err)
			continue
		}
		if !createdAt.Before(cutoff) {
			continue
		}
		if err := s.backupService.DeleteBackup(ctx, name); err != nil {
			s.logger.Warnw("failed to delete old backup", "backup_name", name, "error", err)
			continue
		}
		s.logger.Infow("deleted old backup", "backup_name", name, "age", time.Since(createdAt))
	}
	return nil
}
