// Package lock provides the per-conversation mutex that serializes turn
// processing. Operations on the same conversation id are fully serialized;
// distinct ids never block each other.
package lock

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL bounds how long a crashed holder can block a conversation.
// Chosen conservatively above the provider's expected P99 latency.
const DefaultTTL = 10 * time.Second

// ReleaseFunc releases a held lock. It must be called exactly once, in a
// defer, even when the turn fails. Releasing an already-expired lock is a
// logged no-op and never an error.
type ReleaseFunc func(ctx context.Context)

// ConversationLock is the per-conversation mutex contract. Acquire is an
// atomic test-and-set: it fails fast with a *ContentionError when another
// holder is active rather than queuing.
type ConversationLock interface {
	Acquire(ctx context.Context, conversationID string) (ReleaseFunc, error)
}

// ContentionError reports that another turn is in flight for the same
// conversation. Callers should retry or report busy; it never indicates
// data corruption.
type ContentionError struct {
	ConversationID string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock contention: conversation %s is being processed by another request", e.ConversationID)
}
