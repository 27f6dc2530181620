package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/lock"
	"github.com/chatwheel/chatwheel/internal/models"
	"github.com/chatwheel/chatwheel/internal/parser"
	"github.com/chatwheel/chatwheel/internal/provider"
	"github.com/chatwheel/chatwheel/internal/store"
)

// fakeProvider returns scripted responses and records the queries it was
// sent, so tests can assert on context enrichment.
type fakeProvider struct {
	mu        sync.Mutex
	queries   []string
	responses []providerResponse
	calls     int
}

type providerResponse struct {
	messages []models.NormalizedMessage
	err      error
}

func (f *fakeProvider) next(query string) ([]models.NormalizedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.calls >= len(f.responses) {
		return []models.NormalizedMessage{}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp.messages, resp.err
}

func (f *fakeProvider) StartSession(_ context.Context, _ string) ([]models.NormalizedMessage, error) {
	return f.next("__start__")
}

func (f *fakeProvider) SendMessage(_ context.Context, _ string, text string) ([]models.NormalizedMessage, error) {
	return f.next(text)
}

func (f *fakeProvider) SendCardAction(_ context.Context, _ string, actionValue map[string]interface{}) ([]models.NormalizedMessage, error) {
	return f.next(fmt.Sprintf("card:%v", actionValue["cardId"]))
}

func (f *fakeProvider) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

// countingLock wraps another lock and counts releases, so tests can verify
// the lock is released exactly once per turn including failure paths.
type countingLock struct {
	inner    lock.ConversationLock
	releases atomic.Int64
}

func (c *countingLock) Acquire(ctx context.Context, conversationID string) (lock.ReleaseFunc, error) {
	release, err := c.inner.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		c.releases.Add(1)
		release(ctx)
	}, nil
}

func structuredResponse(action string, data map[string]interface{}) []models.NormalizedMessage {
	if data == nil {
		data = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"prompt": "ok",
		"data":   data,
	}
	if action != "" {
		payload["action"] = action
	}
	return []models.NormalizedMessage{{
		ID:   "m1",
		Role: models.RoleAssistant,
		Kind: models.KindText,
		Text: "ok",
		ExtractedPayload: &models.ExtractedPayload{
			Source:     models.SourceValue,
			Confidence: models.ConfidenceHigh,
			Data:       payload,
		},
	}}
}

func textResponse(text string) []models.NormalizedMessage {
	return []models.NormalizedMessage{{
		ID: "m1", Role: models.RoleAssistant, Kind: models.KindText, Text: text,
	}}
}

type fixture struct {
	orch     *Orchestrator
	states   *store.MemoryWorkflowStateStore
	convs    *store.MemoryConversationStore
	provider *fakeProvider
	lock     *countingLock
}

func newFixture(responses ...providerResponse) *fixture {
	f := &fixture{
		states:   store.NewMemoryWorkflowStateStore(0),
		convs:    store.NewMemoryConversationStore(0),
		provider: &fakeProvider{responses: responses},
		lock:     &countingLock{inner: lock.NewMemoryLock(zap.NewNop())},
	}
	f.orch = New(f.states, f.convs, f.provider, f.lock, Config{}, zap.NewNop())
	return f
}

func TestStartSession(t *testing.T) {
	f := newFixture(providerResponse{messages: textResponse("welcome")})
	ctx := context.Background()

	resp, err := f.orch.StartSession(ctx, "conv-1", "user-1", "tenant-1")
	require.NoError(t, err)

	assert.Equal(t, "conv-1", resp.ConversationID)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "welcome", resp.Messages[0].Text)
	assert.Equal(t, models.InitialStep, resp.WorkflowState.Step)
	assert.Equal(t, 0, resp.WorkflowState.TurnCount)

	state, err := f.states.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", state.UserID)

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, conv.Status)
	assert.Empty(t, conv.History)
}

func TestProcessTurnAccumulatesAcrossTurns(t *testing.T) {
	f := newFixture(
		providerResponse{messages: structuredResponse("ask", map[string]interface{}{"name": "Ada"})},
		providerResponse{messages: structuredResponse("ask", map[string]interface{}{"age": 36})},
		providerResponse{messages: structuredResponse("research", map[string]interface{}{"location": "Tokyo"})},
	)
	ctx := context.Background()

	resp1, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "I'm Ada", UserID: "u", TenantID: "t"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp1.TurnMeta.TurnNumber)
	assert.Equal(t, "gather_info", resp1.WorkflowState.Step)
	assert.Equal(t, map[string]interface{}{"name": "Ada"}, resp1.TurnMeta.CollectedThisTurn)

	resp2, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "36 years old"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp2.TurnMeta.TurnNumber)
	assert.Equal(t, "Ada", resp2.WorkflowState.CollectedData["name"])

	resp3, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "from Tokyo"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp3.TurnMeta.TurnNumber)
	assert.Equal(t, "research", resp3.WorkflowState.Step)

	state, err := f.states.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", state.CollectedData["name"])
	assert.EqualValues(t, 36, state.CollectedData["age"])
	assert.Equal(t, "Tokyo", state.CollectedData["location"])
	assert.Equal(t, 3, state.TurnCount)
}

func TestProcessTurnEnrichesQueryWithContext(t *testing.T) {
	f := newFixture(
		providerResponse{messages: structuredResponse("ask", map[string]interface{}{"name": "Ada"})},
		providerResponse{messages: textResponse("ok")},
	)
	ctx := context.Background()

	_, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "first"})
	require.NoError(t, err)

	first := f.provider.queries[0]
	assert.Contains(t, first, "[CONTEXT]")
	assert.Contains(t, first, "Phase: initial")
	assert.Contains(t, first, "Turn number: 0")
	assert.Contains(t, first, "first")

	_, err = f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "second"})
	require.NoError(t, err)

	second := f.provider.lastQuery()
	assert.Contains(t, second, "Phase: gather_info")
	assert.Contains(t, second, `"name":"Ada"`)
	assert.Contains(t, second, "Turn number: 1")
}

func TestProcessTurnSynthesizesMissingState(t *testing.T) {
	f := newFixture(providerResponse{messages: textResponse("hi")})

	resp, err := f.orch.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: "never-started", Text: "hello", UserID: "user-9", TenantID: "tenant-9",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.TurnMeta.TurnNumber)
	assert.Equal(t, "user-9", resp.WorkflowState.UserID)
	assert.Equal(t, models.InitialStep, resp.WorkflowState.Step)
}

func TestProcessTurnPassthroughPersistsTurnCountOnly(t *testing.T) {
	f := newFixture(providerResponse{messages: textResponse("plain text")})
	ctx := context.Background()

	resp, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, parser.KindPassthrough, resp.ParsedTurn.Kind)
	assert.False(t, resp.TurnMeta.StateChanged)
	assert.Empty(t, resp.TurnMeta.CollectedThisTurn)

	state, err := f.states.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.TurnCount)
	assert.Equal(t, models.InitialStep, state.Step)
}

func TestProcessTurnParseErrorCompletesTurn(t *testing.T) {
	bad := structuredResponse("not_a_real_action", nil)
	f := newFixture(providerResponse{messages: bad})
	ctx := context.Background()

	resp, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "hi"})
	require.NoError(t, err, "a parse failure is an outcome, not an error")

	assert.Equal(t, parser.KindParseError, resp.ParsedTurn.Kind)
	assert.NotEmpty(t, resp.ParsedTurn.ParseErrors)
	assert.Empty(t, resp.TurnMeta.CollectedThisTurn)

	state, err := f.states.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.TurnCount, "turn still commits with an empty delta")
	assert.Equal(t, models.InitialStep, state.Step)
}

func TestProcessTurnUnmappedActionLeavesStepUnchanged(t *testing.T) {
	f := newFixture(
		providerResponse{messages: structuredResponse("research", map[string]interface{}{})},
		// No action field at all: data still merges, step stays put.
		providerResponse{messages: structuredResponse("", map[string]interface{}{"k": "v"})},
	)
	ctx := context.Background()

	_, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "go"})
	require.NoError(t, err)

	resp, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "next"})
	require.NoError(t, err)

	assert.Equal(t, "research", resp.WorkflowState.Step, "absent action must not move the step")
	assert.Equal(t, "v", resp.WorkflowState.CollectedData["k"], "data still merges")
}

func TestProcessTurnErrorActionResetsToInitial(t *testing.T) {
	f := newFixture(
		providerResponse{messages: structuredResponse("confirm", nil)},
		providerResponse{messages: structuredResponse("error", nil)},
	)
	ctx := context.Background()

	_, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "a"})
	require.NoError(t, err)

	resp, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "b"})
	require.NoError(t, err)
	assert.Equal(t, models.InitialStep, resp.WorkflowState.Step)
}

func TestProcessTurnProviderFailureRollsBack(t *testing.T) {
	f := newFixture(
		providerResponse{messages: structuredResponse("ask", map[string]interface{}{"name": "Ada"})},
		providerResponse{err: &provider.BackendError{Op: "sendMessage", Err: errors.New("boom")}},
	)
	ctx := context.Background()

	_, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "hi"})
	require.NoError(t, err)
	releasesBefore := f.lock.releases.Load()

	_, err = f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "fails"})

	var backendErr *provider.BackendError
	require.ErrorAs(t, err, &backendErr)

	state, err := f.states.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.TurnCount, "failed turn must not advance state")
	assert.Equal(t, "Ada", state.CollectedData["name"])

	assert.Equal(t, releasesBefore+1, f.lock.releases.Load(), "lock released exactly once on failure")
}

func TestProcessTurnConcurrentSameConversation(t *testing.T) {
	f := newFixture()

	// A provider that parks until told, holding the lock open.
	slow := &blockingProvider{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	f.orch = New(f.states, f.convs, slow, f.lock, Config{}, zap.NewNop())

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "slow"})
		done <- err
	}()

	<-slow.started

	_, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "concurrent"})
	var contention *lock.ContentionError
	assert.ErrorAs(t, err, &contention, "second turn on a locked conversation fails fast")

	close(slow.block)
	require.NoError(t, <-done)

	state, err := f.states.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.TurnCount, "only the lock holder's turn committed")
}

func TestProcessCardAction(t *testing.T) {
	f := newFixture(providerResponse{messages: structuredResponse("confirm", map[string]interface{}{"approved": true})})
	ctx := context.Background()

	resp, err := f.orch.ProcessCardAction(ctx, CardActionRequest{
		ConversationID: "conv-1",
		CardID:         "card-42",
		SubmitData:     map[string]interface{}{"choice": "hotel-a"},
	})
	require.NoError(t, err)

	assert.Equal(t, "confirm", resp.WorkflowState.Step)
	assert.Equal(t, true, resp.WorkflowState.CollectedData["approved"])

	// Card actions are self-describing; the outbound call carries no
	// [CONTEXT] preamble.
	assert.NotContains(t, f.provider.lastQuery(), "[CONTEXT]")
	assert.Contains(t, f.provider.lastQuery(), "card-42")
}

func TestProcessTurnAppendsHistory(t *testing.T) {
	f := newFixture(
		providerResponse{messages: textResponse("welcome")},
		providerResponse{messages: textResponse("reply one")},
		providerResponse{messages: textResponse("reply two")},
	)
	ctx := context.Background()

	_, err := f.orch.StartSession(ctx, "conv-1", "user-1", "tenant-1")
	require.NoError(t, err)

	_, err = f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "a"})
	require.NoError(t, err)
	_, err = f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "b"})
	require.NoError(t, err)

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, conv.History, 2)
	assert.Equal(t, "reply one", conv.History[0].Text)
	assert.Equal(t, "reply two", conv.History[1].Text)
}

func TestProcessTurnMissingEnvelopeTolerated(t *testing.T) {
	// No StartSession, so no conversation envelope exists; the turn still
	// succeeds and workflow state commits.
	f := newFixture(providerResponse{messages: textResponse("hi")})
	ctx := context.Background()

	_, err := f.orch.ProcessTurn(ctx, TurnRequest{ConversationID: "conv-1", Text: "x"})
	require.NoError(t, err)

	_, err = f.states.Get(ctx, "conv-1")
	assert.NoError(t, err)
	_, err = f.convs.Get(ctx, "conv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// blockingProvider parks in SendMessage until released, signalling entry
// via started.
type blockingProvider struct {
	block   chan struct{}
	started chan struct{}
}

func (b *blockingProvider) StartSession(context.Context, string) ([]models.NormalizedMessage, error) {
	return []models.NormalizedMessage{}, nil
}

func (b *blockingProvider) SendMessage(_ context.Context, _ string, _ string) ([]models.NormalizedMessage, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.block
	return textResponse("slow reply"), nil
}

func (b *blockingProvider) SendCardAction(context.Context, string, map[string]interface{}) ([]models.NormalizedMessage, error) {
	return []models.NormalizedMessage{}, nil
}
