package monitoring

import (
	"context"
	"time"

	"callengine/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddRecordStoreCheck verifies the call record store can be read.
func (h *HealthChecker) AddRecordStoreCheck(store ports.CallRecordStore, timeout time.Duration) {
	h.AddCheck("call_records", func(ctx context.Context) (bool, error) {
		if _, err := store.ListRecent(ctx, 1); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddSignalingCheck reports unhealthy while the agent has no relay connection.
func (h *HealthChecker) AddSignalingCheck(connected func() bool) {
	h.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		return connected(), nil
	}, time.Second)
}
