package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	recentCallsKey  = "callengine:calls:recent"
	recordKeyPrefix = "callengine:call:"
)

// RedisCallRecordRepository stores call records as JSON with a sorted
// index by end time.
type RedisCallRecordRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCallRecordRepository(client *redis.Client, ttl time.Duration) ports.CallRecordStore {
	return &RedisCallRecordRepository{
		client: client,
		prefix: recordKeyPrefix,
		ttl:    ttl,
	}
}

func (r *RedisCallRecordRepository) recordKey(id domain.CallID) string {
	return r.prefix + string(id)
}

func (r *RedisCallRecordRepository) Save(ctx context.Context, record domain.CallRecord) (err error) {
	start := time.Now()
	ctx, span := tracing.TraceStoreOperation(ctx, "save", "redis")
	defer func() {
		tracing.MeasureDuration(ctx, start, "save")
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()
	tracing.AddSpanAttributes(ctx,
		attribute.String("call.id", string(record.CallID)),
		attribute.String("call.end_reason", string(record.EndReason)),
	)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	// SET NX keeps the first record if a session is persisted twice.
	created, err := r.client.SetNX(ctx, r.recordKey(record.CallID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store call record in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("call record already exists: %s", record.CallID)
	}

	if err := r.client.ZAdd(ctx, recentCallsKey, redis.Z{
		Score:  float64(record.EndedAt.UnixMilli()),
		Member: string(record.CallID),
	}).Err(); err != nil {
		return fmt.Errorf("failed to index call record: %w", err)
	}
	return nil
}

// ListRecent returns up to limit records, most recently ended first.
// Index entries whose record has expired are pruned.
func (r *RedisCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "list_recent", "redis")
	defer span.End()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, recentCallsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	if len(ids) == 0 {
		return []domain.CallRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(domain.CallID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call records: %w", err)
	}

	records := make([]domain.CallRecord, 0, len(values))
	var expired []interface{}
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var record domain.CallRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
		}
		records = append(records, record)
	}

	if len(expired) > 0 {
		r.client.ZRem(ctx, recentCallsKey, expired...)
	}
	return records, nil
}
