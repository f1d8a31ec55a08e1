package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
)

const defaultRecordCapacity = 1000

// MemoryCallRecordRepository keeps the most recent call records in process.
type MemoryCallRecordRepository struct {
	records  map[domain.CallID]domain.CallRecord
	order    []domain.CallID
	capacity int
	mu       sync.RWMutex
}

func NewMemoryCallRecordRepository(capacity int) ports.CallRecordStore {
	if capacity <= 0 {
		capacity = defaultRecordCapacity
	}
	return &MemoryCallRecordRepository{
		records:  make(map[domain.CallID]domain.CallRecord),
		capacity: capacity,
	}
}

func (r *MemoryCallRecordRepository) Save(ctx context.Context, record domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.CallID]; exists {
		return fmt.Errorf("call record already exists: %s", record.CallID)
	}

	r.records[record.CallID] = record
	r.order = append(r.order, record.CallID)
	for len(r.order) > r.capacity {
		delete(r.records, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

// ListRecent returns up to limit records, most recently ended first.
func (r *MemoryCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]domain.CallRecord, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].EndedAt.After(records[j].EndedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
