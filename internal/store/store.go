// Package store provides keyed persistence for workflow state and
// conversation records, with interchangeable Redis and in-memory backends
// selected once at startup.
package store

import (
	"context"
	"errors"

	"github.com/chatwheel/chatwheel/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")

	// ErrStorageUnavailable wraps backend infrastructure failures so
	// callers can distinguish "storage down" from "LLM backend down".
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// WorkflowStateStore persists per-conversation workflow progress.
type WorkflowStateStore interface {
	Get(ctx context.Context, conversationID string) (*models.WorkflowState, error)
	Set(ctx context.Context, conversationID string, state *models.WorkflowState) error
	Delete(ctx context.Context, conversationID string) error
}

// ConversationStore persists conversation envelopes and supports
// user-scoped listing, most recently updated first.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (*models.StoredConversation, error)
	Set(ctx context.Context, conversationID string, conversation *models.StoredConversation) error
	Delete(ctx context.Context, conversationID string) error
	ListByUser(ctx context.Context, userID string) ([]*models.StoredConversation, error)
}
