// Package orchestrator implements the per-conversation turn lifecycle: a
// lock-protected read-modify-write cycle that enriches the outbound query,
// calls the LLM backend, defensively parses the response, merges newly
// extracted fields into durable state exactly once, and rolls back on
// failure so a dead backend never corrupts persisted state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/lock"
	"github.com/chatwheel/chatwheel/internal/metrics"
	"github.com/chatwheel/chatwheel/internal/models"
	"github.com/chatwheel/chatwheel/internal/parser"
	"github.com/chatwheel/chatwheel/internal/provider"
	"github.com/chatwheel/chatwheel/internal/store"
	"github.com/chatwheel/chatwheel/internal/workflow"
)

// actionToStep maps parsed workflow actions to definition step ids. An
// action missing from this table leaves the step unchanged: a failed or
// ambiguous action must never regress or corrupt the step.
var actionToStep = map[string]string{
	"ask":      "gather_info",
	"research": "research",
	"confirm":  "confirm",
	"complete": "complete",
	"error":    "initial",
}

// Config tunes the orchestrator. Zero values fall back to the default
// workflow definition and context builder settings.
type Config struct {
	Definition    *workflow.Definition
	ContextConfig *workflow.ContextConfig
}

// Orchestrator composes the lock, stores, provider, and parsing into the
// turn lifecycle. It is the only component route handlers call. All
// dependencies are constructor-injected; it holds no global backend state.
type Orchestrator struct {
	workflowStore store.WorkflowStateStore
	conversations store.ConversationStore
	llm           provider.LlmProvider
	lock          lock.ConversationLock
	definition    *workflow.Definition
	contextConfig *workflow.ContextConfig
	logger        *zap.Logger
}

// New creates an orchestrator.
func New(
	workflowStore store.WorkflowStateStore,
	conversations store.ConversationStore,
	llm provider.LlmProvider,
	conversationLock lock.ConversationLock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	definition := cfg.Definition
	if definition == nil {
		definition = workflow.Default()
	}
	return &Orchestrator{
		workflowStore: workflowStore,
		conversations: conversations,
		llm:           llm,
		lock:          conversationLock,
		definition:    definition,
		contextConfig: cfg.ContextConfig,
		logger:        logger,
	}
}

// StartSession creates the initial workflow state, starts a backend
// session (which may return a greeting), and creates the conversation
// envelope. No lock is needed: there is no prior state to race against.
func (o *Orchestrator) StartSession(ctx context.Context, conversationID, userID, tenantID string) (*StartResponse, error) {
	state := models.NewInitialState(userID, tenantID)
	if err := o.workflowStore.Set(ctx, conversationID, state); err != nil {
		return nil, err
	}

	greeting, err := o.llm.StartSession(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("provider startSession: %w", err)
	}

	now := time.Now().UTC()
	conv := &models.StoredConversation{
		ExternalID: conversationID,
		History:    []models.NormalizedMessage{},
		UserID:     userID,
		TenantID:   tenantID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     models.StatusActive,
	}
	if err := o.conversations.Set(ctx, conversationID, conv); err != nil {
		return nil, err
	}

	metrics.SessionsStarted.Inc()
	o.logger.Info("Started workflow session",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)

	return &StartResponse{
		ConversationID: conversationID,
		Messages:       greeting,
		WorkflowState:  state,
	}, nil
}

// ProcessTurn runs one user text turn through the full lifecycle. The
// outbound query is enriched with accumulated workflow context before the
// provider call.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (*WorkflowResponse, error) {
	return o.runTurn(ctx, "process_turn", req.ConversationID, req.UserID, req.TenantID,
		func(ctx context.Context, state *models.WorkflowState) ([]models.NormalizedMessage, error) {
			query, truncated := workflow.BuildContextualQuery(req.Text, state, o.contextConfig)
			if truncated {
				o.logger.Debug("Contextual query truncated",
					zap.String("conversation_id", req.ConversationID),
				)
			}
			return o.llm.SendMessage(ctx, req.ConversationID, query)
		})
}

// ProcessCardAction runs one card submission through the same lifecycle.
// No context enrichment: the submit payload is self-describing.
func (o *Orchestrator) ProcessCardAction(ctx context.Context, req CardActionRequest) (*WorkflowResponse, error) {
	actionValue := make(map[string]interface{}, len(req.SubmitData)+1)
	for k, v := range req.SubmitData {
		actionValue[k] = v
	}
	actionValue["cardId"] = req.CardID

	return o.runTurn(ctx, "process_card_action", req.ConversationID, req.UserID, req.TenantID,
		func(ctx context.Context, _ *models.WorkflowState) ([]models.NormalizedMessage, error) {
			return o.llm.SendCardAction(ctx, req.ConversationID, actionValue)
		})
}

// runTurn is the shared turn lifecycle. The callback performs the provider
// call given the loaded state; everything around it — locking, state
// load/synthesis, parsing, merging, the single save point, history append,
// progress, and release — is identical for text turns and card actions.
//
// If anything between lock acquisition and the save point fails, nothing
// is persisted: the error propagates and the deferred release runs without
// a state write (rollback-on-failure).
func (o *Orchestrator) runTurn(
	ctx context.Context,
	operation string,
	conversationID, userID, tenantID string,
	call func(ctx context.Context, state *models.WorkflowState) ([]models.NormalizedMessage, error),
) (resp *WorkflowResponse, err error) {
	release, err := o.lock.Acquire(ctx, conversationID)
	if err != nil {
		// Contention and lock-infrastructure errors propagate untouched;
		// no state has been read or written.
		return nil, err
	}
	defer release(ctx)

	started := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.TurnsProcessed.WithLabelValues(operation, outcome).Inc()
		metrics.TurnDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}()

	// Load existing state, or synthesize the initial state inline: a
	// client may process a turn without a prior StartSession due to a
	// retry or race, and that must not error.
	state, err := o.workflowStore.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		state = models.NewInitialState(userID, tenantID)
	} else if err != nil {
		return nil, err
	}

	providerStart := time.Now()
	messages, err := call(ctx, state)
	if err != nil {
		return nil, err
	}
	latencyMs := time.Since(providerStart).Milliseconds()
	metrics.ProviderLatency.Observe(float64(latencyMs))

	parsed := parser.ParseTurn(messages)
	metrics.ParseOutcomes.WithLabelValues(string(parsed.Kind)).Inc()
	if parsed.Kind == parser.KindParseError {
		// Parse failures are represented, never thrown: the turn still
		// completes and persists with an empty data delta.
		o.logger.Warn("Structured output failed to parse",
			zap.String("conversation_id", conversationID),
			zap.Strings("parse_errors", parsed.ParseErrors),
		)
	}

	// The delta is the structured payload's "data" sub-object, not the
	// whole payload.
	delta := map[string]interface{}{}
	if parsed.Kind == parser.KindStructured {
		if sub, ok := parsed.Data["data"].(map[string]interface{}); ok {
			for k, v := range sub {
				delta[k] = v
			}
		}
	}

	updated := state.Clone()
	if updated.CollectedData == nil {
		updated.CollectedData = map[string]interface{}{}
	}
	for k, v := range delta {
		updated.CollectedData[k] = v
	}

	if parsed.Kind == parser.KindStructured && parsed.NextAction != "" {
		if next, ok := actionToStep[parsed.NextAction]; ok {
			updated.Step = next
		} else {
			// Unknown actions leave the step unchanged. Logged so a
			// stalled workflow is visible when the backend's action
			// vocabulary grows past this table.
			o.logger.Warn("Structured response carried unmapped action",
				zap.String("conversation_id", conversationID),
				zap.String("action", parsed.NextAction),
			)
		}
	}
	updated.TurnCount = state.TurnCount + 1

	// Single save point. Every failure path above returns before this
	// write, leaving stored state untouched.
	if err := o.workflowStore.Set(ctx, conversationID, updated); err != nil {
		return nil, err
	}

	o.appendHistory(ctx, conversationID, messages)

	progress := workflow.StepProgress(updated.Step, o.definition)

	return &WorkflowResponse{
		ConversationID: conversationID,
		Messages:       messages,
		ParsedTurn:     parsed,
		WorkflowState:  updated,
		Progress:       progress,
		TurnMeta: TurnMeta{
			TurnNumber:        updated.TurnCount,
			StateChanged:      len(delta) > 0,
			CollectedThisTurn: delta,
		},
		LatencyMs: latencyMs,
	}, nil
}

// appendHistory appends the turn's messages to the conversation envelope.
// Best-effort: a missing envelope or a failed write is tolerated, not
// fatal — workflow state is already committed.
func (o *Orchestrator) appendHistory(ctx context.Context, conversationID string, messages []models.NormalizedMessage) {
	conv, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("Failed to load conversation for history append",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
		return
	}

	conv.History = append(conv.History, messages...)
	conv.UpdatedAt = time.Now().UTC()
	if err := o.conversations.Set(ctx, conversationID, conv); err != nil {
		o.logger.Warn("Failed to append conversation history",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}
