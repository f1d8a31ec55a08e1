package distributed

import (
	"context"
	"fmt"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/infrastructure/signal"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPresenceTTL = 5 * time.Minute

// PresenceRegistry maps connected users to the relay instance serving them.
type PresenceRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
	prefix     string
}

var _ signal.Presence = (*PresenceRegistry)(nil)

func NewPresenceRegistry(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *PresenceRegistry {
	return &PresenceRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        defaultPresenceTTL,
		logger:     logger,
		prefix:     "callengine:presence:",
	}
}

// Online registers user on this instance, replacing any registration a
// previous connection left elsewhere.
func (r *PresenceRegistry) Online(ctx context.Context, user domain.UserID) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.userKey(user), r.instanceID, r.ttl)
	pipe.SAdd(ctx, r.instanceKey(r.instanceID), string(user))
	pipe.Expire(ctx, r.instanceKey(r.instanceID), 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

// Offline removes the registration if it still points at this instance.
func (r *PresenceRegistry) Offline(ctx context.Context, user domain.UserID) error {
	owner, err := r.client.Get(ctx, r.userKey(user)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get user presence: %w", err)
	}

	pipe := r.client.TxPipeline()
	if owner == r.instanceID {
		pipe.Del(ctx, r.userKey(user))
	}
	pipe.SRem(ctx, r.instanceKey(r.instanceID), string(user))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister user: %w", err)
	}
	return nil
}

// Lookup returns the instance serving user.
func (r *PresenceRegistry) Lookup(ctx context.Context, user domain.UserID) (string, error) {
	instanceID, err := r.client.Get(ctx, r.userKey(user)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: %s", signal.ErrRecipientOffline, user)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return instanceID, nil
}

// Refresh extends the TTL of every user on this instance; run it
// periodically while the relay is up.
func (r *PresenceRegistry) Refresh(ctx context.Context, users []domain.UserID) error {
	if len(users) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, user := range users {
		pipe.Set(ctx, r.userKey(user), r.instanceID, r.ttl)
	}
	pipe.Expire(ctx, r.instanceKey(r.instanceID), 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// RunRefresher refreshes the users returned by connected every interval
// until ctx is cancelled.
func (r *PresenceRegistry) RunRefresher(ctx context.Context, interval time.Duration, connected func() []domain.UserID) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx, connected()); err != nil {
				r.logger.Warnw("presence refresh failed", "error", err)
			}
		}
	}
}

// CleanupInstance drops every registration owned by this instance, e.g.
// on shutdown.
func (r *PresenceRegistry) CleanupInstance(ctx context.Context) error {
	users, err := r.client.SMembers(ctx, r.instanceKey(r.instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance users: %w", err)
	}

	for _, user := range users {
		if err := r.Offline(ctx, domain.UserID(user)); err != nil {
			r.logger.Warnw("failed to unregister user during cleanup",
				"user_id", user,
				"error", err,
			)
		}
	}
	return r.client.Del(ctx, r.instanceKey(r.instanceID)).Err()
}

func (r *PresenceRegistry) userKey(user domain.UserID) string {
	return r.prefix + string(user)
}

func (r *PresenceRegistry) instanceKey(instanceID string) string {
	return fmt.Sprintf("callengine:instance:%s:users", instanceID)
}
