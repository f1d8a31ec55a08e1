package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/backup"

	"go.uber.org/zap"
)

// RestoreService loads archived call records back into a record store.
type RestoreService struct {
	backupService *backup.BackupService
	logger        *zap.SugaredLogger
}

func NewRestoreService(backupService *backup.BackupService, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		logger:        logger,
	}
}

// RestoreLatest restores the newest archive, if any, and returns how many
// records were added. Records already present in the store are skipped.
func (rs *RestoreService) RestoreLatest(ctx context.Context, into ports.CallRecordStore) (int, error) {
	name, err := rs.backupService.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find latest backup: %w", err)
	}
	if name == "" {
		return 0, nil
	}
	return rs.RestoreFromBackup(ctx, name, into)
}

func (rs *RestoreService) RestoreFromBackup(ctx context.Context, name string, into ports.CallRecordStore) (int, error) {
	data, err := rs.backupService.RestoreBackup(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to load backup: %w", err)
	}

	records := make([]domain.CallRecord, 0, len(data.Items))
	for i, raw := range data.Items {
		var record domain.CallRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return 0, fmt.Errorf("failed to decode record %d: %w", i, err)
		}
		records = append(records, record)
	}
	// Oldest first so a bounded store keeps the newest.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EndedAt.Before(records[j].EndedAt)
	})

	restored := 0
	for _, record := range records {
		if err := into.Save(ctx, record); err != nil {
			rs.logger.Debugw("skipping call record", "call_id", record.CallID, "error", err)
			continue
		}
		restored++
	}

	rs.logger.Infow("call records restored", "backup_name", name, "restored", restored, "total", len(records))
	return restored, nil
}
