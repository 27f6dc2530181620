package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backends bundles the persistence layer selected at startup. Redis is nil
// when the in-memory backends are active.
type Backends struct {
	Workflow      WorkflowStateStore
	Conversations ConversationStore
	Redis         *redis.Client
}

// NewBackends selects the storage backends once at startup: Redis when
// redisURL is set, in-memory otherwise. A configured-but-unreachable Redis
// is a startup failure, never a silent fallback.
func NewBackends(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Backends, error) {
	if redisURL == "" {
		logger.Info("Redis not configured; using in-memory stores")
		return &Backends{
			Workflow:      NewMemoryWorkflowStateStore(DefaultCapacity),
			Conversations: NewMemoryConversationStore(DefaultCapacity),
		}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Using Redis stores",
		zap.String("addr", opts.Addr),
		zap.Duration("ttl", ttl),
	)
	return &Backends{
		Workflow:      NewRedisWorkflowStateStore(client, ttl),
		Conversations: NewRedisConversationStore(client, logger, ttl),
		Redis:         client,
	}, nil
}

// Close releases backend resources.
func (b *Backends) Close() error {
	if b.Redis != nil {
		return b.Redis.Close()
	}
	return nil
}
