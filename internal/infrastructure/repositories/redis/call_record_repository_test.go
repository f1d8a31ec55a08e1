package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"callengine/internal/core/domain"
	"callengine/pkg/utils"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to CALLENGINE_TEST_REDIS or skips the test.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CALLENGINE_TEST_REDIS")
	if addr == "" {
		t.Skip("CALLENGINE_TEST_REDIS not set")
	}
	client, err := NewRedisClient(ClientOptions{Address: addr, DB: 15, PoolSize: 5}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCallRecordRepository_SaveAndList(t *testing.T) {
	client := newTestClient(t)
	repo := NewRedisCallRecordRepository(client, time.Minute)
	ctx := context.Background()

	older := domain.CallRecord{
		CallID:  domain.CallID(utils.GenerateCallID()),
		Kind:    domain.CallKindOneToOne,
		EndedAt: time.Now().Add(time.Hour),
	}
	newer := older
	newer.CallID = domain.CallID(utils.GenerateCallID())
	newer.EndedAt = older.EndedAt.Add(time.Second)

	require.NoError(t, repo.Save(ctx, older))
	require.NoError(t, repo.Save(ctx, newer))
	assert.Error(t, repo.Save(ctx, older))

	records, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, newer.CallID, records[0].CallID)
	assert.Equal(t, older.CallID, records[1].CallID)
}
