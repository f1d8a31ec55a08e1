package backup

import (
	"context"
	"testing"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/infrastructure/repositories/memory"
	"callengine/pkg/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newArchive(t *testing.T) *backup.BackupService {
	t.Helper()
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return backup.NewBackupService(storage, "1.0.0", "call-records")
}

func record(id string, endedAt time.Time) domain.CallRecord {
	return domain.CallRecord{
		CallID:       domain.CallID(id),
		Kind:         domain.CallKindOneToOne,
		Type:         domain.CallTypeVoice,
		Initiator:    "alice",
		Participants: []domain.UserID{"alice", "bob"},
		StartedAt:    endedAt.Add(-time.Minute),
		EndedAt:      endedAt,
		Duration:     time.Minute,
		FinalStatus:  domain.StatusEnded,
		EndReason:    domain.EndReasonHangup,
	}
}

func TestScheduler_RunOnceSkipsEmptyStore(t *testing.T) {
	archive := newArchive(t)
	scheduler := NewScheduler(archive, memory.NewMemoryCallRecordRepository(0), Config{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())

	name, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, name)

	backups, err := archive.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestScheduler_BackupAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()
	archive := newArchive(t)

	source := memory.NewMemoryCallRecordRepository(0)
	base := time.Now().Add(-time.Hour).UTC()
	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, source.Save(ctx, record(id, base.Add(time.Duration(i)*time.Minute))))
	}

	scheduler := NewScheduler(archive, source, Config{Interval: time.Hour, RetentionDays: 7, MaxRecords: 2}, logger)
	name, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	target := memory.NewMemoryCallRecordRepository(0)
	require.NoError(t, target.Save(ctx, record("c3", base.Add(2*time.Minute))))

	restored, err := NewRestoreService(archive, logger).RestoreLatest(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 1, restored, "c3 already present, c1 beyond MaxRecords")

	recent, err := target.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, domain.CallID("c3"), recent[0].CallID)
	assert.Equal(t, domain.CallID("c2"), recent[1].CallID)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, recent[1].Participants)
	assert.Equal(t, domain.EndReasonHangup, recent[1].EndReason)
}

func TestRestoreService_NoBackups(t *testing.T) {
	restored, err := NewRestoreService(newArchive(t), zaptest.NewLogger(t).Sugar()).
		RestoreLatest(context.Background(), memory.NewMemoryCallRecordRepository(0))
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	scheduler := NewScheduler(newArchive(t), memory.NewMemoryCallRecordRepository(0), Config{Interval: time.Millisecond}, zaptest.NewLogger(t).Sugar())

	done := make(chan struct{})
	go func() {
		scheduler.Start(context.Background())
		close(done)
	}()
	scheduler.Stop()
	scheduler.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
