package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = "callengine:schema:version"

// Migration upgrades the keyspace by one version.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "recent-calls index is a sorted set",
		Up: func(ctx context.Context, client *redis.Client) error {
			kind, err := client.Type(ctx, recentCallsKey).Result()
			if err != nil {
				return err
			}
			if kind != "none" && kind != "zset" {
				return client.Del(ctx, recentCallsKey).Err()
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "drop index entries whose record expired",
		Up:          pruneRecentCalls,
	},
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	current, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Infow("running migration", "version", m.Version, "description", m.Description)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		current = m.Version
		applied++
	}

	logger.Infow("redis schema ready", "version", current, "applied", applied)
	return nil
}

func pruneRecentCalls(ctx context.Context, client *redis.Client) error {
	ids, err := client.ZRange(ctx, recentCallsKey, 0, -1).Result()
	if err != nil {
		return err
	}
	var stale []interface{}
	for _, id := range ids {
		n, err := client.Exists(ctx, recordKeyPrefix+id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return client.ZRem(ctx, recentCallsKey, stale...).Err()
}
