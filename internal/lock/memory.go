package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/metrics"
)

// MemoryLock is the process-local ConversationLock for development and CI.
// It coordinates only within a single process.
type MemoryLock struct {
	mu     sync.Mutex
	held   map[string]string // conversation id -> holder token
	logger *zap.Logger
}

// NewMemoryLock creates an in-process conversation lock.
func NewMemoryLock(logger *zap.Logger) *MemoryLock {
	return &MemoryLock{held: make(map[string]string), logger: logger}
}

// Acquire takes the conversation's lock or fails fast with *ContentionError.
func (l *MemoryLock) Acquire(_ context.Context, conversationID string) (ReleaseFunc, error) {
	token := uuid.NewString()

	l.mu.Lock()
	if _, taken := l.held[conversationID]; taken {
		l.mu.Unlock()
		metrics.LockContention.Inc()
		return nil, &ContentionError{ConversationID: conversationID}
	}
	l.held[conversationID] = token
	l.mu.Unlock()

	return func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()

		// Same check-then-delete contract as the distributed lock: never
		// remove a lock this holder no longer owns.
		if current, ok := l.held[conversationID]; !ok || current != token {
			metrics.LockReleaseMismatches.Inc()
			l.logger.Warn("Lock token mismatch on release",
				zap.String("conversation_id", conversationID),
			)
			return
		}
		delete(l.held, conversationID)
	}, nil
}
