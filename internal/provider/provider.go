// Package provider defines the uniform contract the orchestrator uses to
// talk to LLM backends, and the concrete adapters behind it. The
// orchestrator never touches a backend SDK directly.
package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/config"
	"github.com/chatwheel/chatwheel/internal/models"
)

// LlmProvider is the three-method contract every backend satisfies.
// Implementations normalize internally; callers only ever see
// NormalizedMessage values. All methods may fail on backend errors; the
// orchestrator does not retry — a failed call aborts the turn with no
// state mutation.
type LlmProvider interface {
	// StartSession initializes a new backend conversation. The returned
	// messages are the greeting, possibly empty.
	StartSession(ctx context.Context, conversationID string) ([]models.NormalizedMessage, error)

	// SendMessage sends one user text turn.
	SendMessage(ctx context.Context, conversationID, text string) ([]models.NormalizedMessage, error)

	// SendCardAction forwards an Adaptive Card submit payload.
	SendCardAction(ctx context.Context, conversationID string, actionValue map[string]interface{}) ([]models.NormalizedMessage, error)
}

// BackendError wraps a failure from the LLM backend so callers can
// distinguish "backend down" from "storage down".
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("llm backend failure during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// New constructs the configured provider. The concrete backend is chosen
// exactly once here; everything downstream depends only on LlmProvider.
func New(cfg *config.Config, logger *zap.Logger) (LlmProvider, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		logger.Info("Creating OpenAI provider", zap.String("model", cfg.OpenAIModel))
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}
