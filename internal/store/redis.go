package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/metrics"
	"github.com/chatwheel/chatwheel/internal/models"
)

const (
	workflowKeyPrefix     = "wf:"
	conversationKeyPrefix = "conv:"
	userIndexKeyPrefix    = "user:"
	userIndexKeySuffix    = ":conversations"

	// userIndexTTLBuffer keeps index entries alive slightly longer than
	// their records to avoid orphaning ids that are still readable.
	userIndexTTLBuffer = time.Hour

	// listByUserLimit caps a single user-scoped listing.
	listByUserLimit = 50
)

func userIndexKey(userID string) string {
	return userIndexKeyPrefix + userID + userIndexKeySuffix
}

// RedisWorkflowStateStore persists workflow state as JSON with a sliding
// TTL: every write resets expiry, so actively-used workflows never expire.
type RedisWorkflowStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisWorkflowStateStore creates the Redis-backed workflow state store.
func NewRedisWorkflowStateStore(client *redis.Client, ttl time.Duration) *RedisWorkflowStateStore {
	return &RedisWorkflowStateStore{client: client, ttl: ttl}
}

func (s *RedisWorkflowStateStore) Get(ctx context.Context, conversationID string) (*models.WorkflowState, error) {
	data, err := s.client.Get(ctx, workflowKeyPrefix+conversationID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		metrics.StoreErrors.WithLabelValues("workflow", "get").Inc()
		return nil, fmt.Errorf("%w: get workflow state: %v", ErrStorageUnavailable, err)
	}

	var state models.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	normalizeState(&state)

	return &state, nil
}

func (s *RedisWorkflowStateStore) Set(ctx context.Context, conversationID string, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}

	if err := s.client.Set(ctx, workflowKeyPrefix+conversationID, data, s.ttl).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("workflow", "set").Inc()
		return fmt.Errorf("%w: set workflow state: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RedisWorkflowStateStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, workflowKeyPrefix+conversationID).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("workflow", "delete").Inc()
		return fmt.Errorf("%w: delete workflow state: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// normalizeState applies defaults for fields older records may lack, so
// schema drift across deployments degrades gracefully on read.
func normalizeState(state *models.WorkflowState) {
	if state.Step == "" {
		state.Step = models.InitialStep
	}
	if state.Status == "" {
		state.Status = models.StatusActive
	}
	if state.CollectedData == nil {
		state.CollectedData = map[string]interface{}{}
	}
}

// RedisConversationStore persists conversation envelopes as JSON and
// maintains a per-user sorted-set index (scored by update time) updated in
// the same pipeline as every write, enabling ListByUser without scans.
type RedisConversationStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisConversationStore creates the Redis-backed conversation store.
func NewRedisConversationStore(client *redis.Client, logger *zap.Logger, ttl time.Duration) *RedisConversationStore {
	return &RedisConversationStore{client: client, logger: logger, ttl: ttl}
}

func (s *RedisConversationStore) Get(ctx context.Context, conversationID string) (*models.StoredConversation, error) {
	data, err := s.client.Get(ctx, conversationKeyPrefix+conversationID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		metrics.StoreErrors.WithLabelValues("conversation", "get").Inc()
		return nil, fmt.Errorf("%w: get conversation: %v", ErrStorageUnavailable, err)
	}

	conv, err := decodeConversation(data)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *RedisConversationStore) Set(ctx context.Context, conversationID string, conv *models.StoredConversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	score := float64(conv.UpdatedAt.UnixMilli())
	indexKey := userIndexKey(conv.UserID)

	// Record write, index update and index expiry travel in one pipeline
	// so the secondary index never lags a successful write.
	pipe := s.client.Pipeline()
	pipe.Set(ctx, conversationKeyPrefix+conversationID, data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: conversationID})
	pipe.Expire(ctx, indexKey, s.ttl+userIndexTTLBuffer)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreErrors.WithLabelValues("conversation", "set").Inc()
		return fmt.Errorf("%w: set conversation: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RedisConversationStore) Delete(ctx context.Context, conversationID string) error {
	// Read first to learn the owner for index pruning.
	data, err := s.client.Get(ctx, conversationKeyPrefix+conversationID).Bytes()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		metrics.StoreErrors.WithLabelValues("conversation", "delete").Inc()
		return fmt.Errorf("%w: delete conversation: %v", ErrStorageUnavailable, err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, conversationKeyPrefix+conversationID)
	if conv, decodeErr := decodeConversation(data); decodeErr == nil {
		pipe.ZRem(ctx, userIndexKey(conv.UserID), conversationID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreErrors.WithLabelValues("conversation", "delete").Inc()
		return fmt.Errorf("%w: delete conversation: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// ListByUser returns the user's conversations sorted most recently updated
// first. Ids whose records have expired or fail to decode are skipped.
func (s *RedisConversationStore) ListByUser(ctx context.Context, userID string) ([]*models.StoredConversation, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, userIndexKey(userID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: listByUserLimit,
	}).Result()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("conversation", "list").Inc()
		return nil, fmt.Errorf("%w: list conversations: %v", ErrStorageUnavailable, err)
	}
	if len(ids) == 0 {
		return []*models.StoredConversation{}, nil
	}

	pipe := s.client.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		gets[i] = pipe.Get(ctx, conversationKeyPrefix+id)
	}
	// Expired members make individual gets return redis.Nil; that is not
	// a pipeline failure.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		metrics.StoreErrors.WithLabelValues("conversation", "list").Inc()
		return nil, fmt.Errorf("%w: list conversations: %v", ErrStorageUnavailable, err)
	}

	out := make([]*models.StoredConversation, 0, len(ids))
	for i, cmd := range gets {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		conv, err := decodeConversation(data)
		if err != nil {
			s.logger.Warn("Skipping undecodable conversation record",
				zap.String("conversation_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// decodeConversation validates the stored JSON enough to tolerate schema
// drift: missing status defaults to active, nil history becomes empty.
func decodeConversation(data []byte) (*models.StoredConversation, error) {
	var conv models.StoredConversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if conv.Status == "" {
		conv.Status = models.StatusActive
	}
	if conv.History == nil {
		conv.History = []models.NormalizedMessage{}
	}
	return &conv, nil
}
