package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/metrics"
)

const lockKeyPrefix = "lock:conv:"

// releaseScript atomically checks the holder token before deleting, so a
// lock that expired and was re-acquired by someone else is never released
// out from under its new owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

// RedisLock is the distributed ConversationLock: SET NX PX with a unique
// token per acquisition, released via an atomic compare-and-delete script.
// The TTL auto-expires locks orphaned by a crashed process.
type RedisLock struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed conversation lock. A non-positive
// ttl falls back to DefaultTTL.
func NewRedisLock(client *redis.Client, logger *zap.Logger, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLock{client: client, logger: logger, ttl: ttl}
}

// Acquire takes the conversation's lock or fails fast with
// *ContentionError. Redis unavailability surfaces as a distinct error.
func (l *RedisLock) Acquire(ctx context.Context, conversationID string) (ReleaseFunc, error) {
	token := uuid.NewString()
	key := lockKeyPrefix + conversationID

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire conversation lock: %w", err)
	}
	if !ok {
		metrics.LockContention.Inc()
		return nil, &ContentionError{ConversationID: conversationID}
	}

	return func(ctx context.Context) {
		released, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			l.logger.Warn("Failed to release conversation lock",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			return
		}
		if released == 0 {
			metrics.LockReleaseMismatches.Inc()
			l.logger.Warn("Lock token mismatch on release; lock may have expired",
				zap.String("conversation_id", conversationID),
			)
		}
	}, nil
}
