package orchestrator

import (
	"github.com/chatwheel/chatwheel/internal/models"
	"github.com/chatwheel/chatwheel/internal/parser"
	"github.com/chatwheel/chatwheel/internal/workflow"
)

// TurnRequest carries the inputs for one user text turn.
type TurnRequest struct {
	ConversationID string
	Text           string
	UserID         string
	TenantID       string
}

// CardActionRequest carries the inputs for one Adaptive Card submission.
type CardActionRequest struct {
	ConversationID string
	CardID         string
	UserSummary    string
	SubmitData     map[string]interface{}
	UserID         string
	TenantID       string
}

// TurnMeta describes one specific turn: which turn it was, whether state
// changed, and exactly what was collected (the delta, not the full state).
type TurnMeta struct {
	TurnNumber        int                    `json:"turnNumber"`
	StateChanged      bool                   `json:"stateChanged"`
	CollectedThisTurn map[string]interface{} `json:"collectedThisTurn"`
}

// WorkflowResponse is the full result of a processed turn.
type WorkflowResponse struct {
	ConversationID string                     `json:"conversationId"`
	Messages       []models.NormalizedMessage `json:"messages"`
	ParsedTurn     parser.ParsedTurn          `json:"parsedTurn"`
	WorkflowState  *models.WorkflowState      `json:"workflowState"`
	Progress       workflow.Progress          `json:"progress"`
	TurnMeta       TurnMeta                   `json:"turnMeta"`
	LatencyMs      int64                      `json:"latencyMs"`
}

// StartResponse is the result of starting a new session.
type StartResponse struct {
	ConversationID string                     `json:"conversationId"`
	Messages       []models.NormalizedMessage `json:"messages"`
	WorkflowState  *models.WorkflowState      `json:"workflowState"`
}
