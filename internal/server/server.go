// Package server exposes the orchestrator over HTTP. Handlers are thin:
// they validate, call the orchestrator, and map the error taxonomy onto
// status codes.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/lock"
	"github.com/chatwheel/chatwheel/internal/orchestrator"
	"github.com/chatwheel/chatwheel/internal/provider"
	"github.com/chatwheel/chatwheel/internal/store"
)

// Handler serves the conversation API.
type Handler struct {
	orch          *orchestrator.Orchestrator
	conversations store.ConversationStore
	logger        *zap.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(orch *orchestrator.Orchestrator, conversations store.ConversationStore, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, conversations: conversations, logger: logger}
}

// Routes returns the service mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/conversations", h.StartConversation)
	mux.HandleFunc("POST /api/v1/conversations/{conversationId}/messages", h.SendMessage)
	mux.HandleFunc("POST /api/v1/conversations/{conversationId}/card-actions", h.CardAction)
	mux.HandleFunc("GET /api/v1/conversations", h.ListConversations)

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type startRequest struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// StartConversation handles POST /api/v1/conversations.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.TenantID == "" {
		h.sendError(w, "userId and tenantId are required", http.StatusBadRequest)
		return
	}

	conversationID := uuid.NewString()
	resp, err := h.orch.StartSession(r.Context(), conversationID, req.UserID, req.TenantID)
	if err != nil {
		h.handleTurnError(w, err)
		return
	}

	h.sendJSON(w, http.StatusCreated, resp)
}

type sendMessageRequest struct {
	Text     string `json:"text"`
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// SendMessage handles POST /api/v1/conversations/{conversationId}/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")
	if conversationID == "" {
		h.sendError(w, "Conversation ID is required", http.StatusBadRequest)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		h.sendError(w, "text is required", http.StatusBadRequest)
		return
	}

	resp, err := h.orch.ProcessTurn(r.Context(), orchestrator.TurnRequest{
		ConversationID: conversationID,
		Text:           req.Text,
		UserID:         req.UserID,
		TenantID:       req.TenantID,
	})
	if err != nil {
		h.handleTurnError(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, resp)
}

type cardActionRequest struct {
	CardID      string                 `json:"cardId"`
	UserSummary string                 `json:"userSummary"`
	SubmitData  map[string]interface{} `json:"submitData"`
	UserID      string                 `json:"userId"`
	TenantID    string                 `json:"tenantId"`
}

// CardAction handles POST /api/v1/conversations/{conversationId}/card-actions.
func (h *Handler) CardAction(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")
	if conversationID == "" {
		h.sendError(w, "Conversation ID is required", http.StatusBadRequest)
		return
	}

	var req cardActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CardID == "" {
		h.sendError(w, "cardId is required", http.StatusBadRequest)
		return
	}

	resp, err := h.orch.ProcessCardAction(r.Context(), orchestrator.CardActionRequest{
		ConversationID: conversationID,
		CardID:         req.CardID,
		UserSummary:    req.UserSummary,
		SubmitData:     req.SubmitData,
		UserID:         req.UserID,
		TenantID:       req.TenantID,
	})
	if err != nil {
		h.handleTurnError(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, resp)
}

// ListConversations handles GET /api/v1/conversations?userId=...
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.sendError(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	conversations, err := h.conversations.ListByUser(r.Context(), userID)
	if err != nil {
		h.handleTurnError(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": conversations,
		"totalCount":    len(conversations),
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTurnError maps the error taxonomy onto status codes: lock
// contention is retryable (409), storage down is 503, backend down is 502,
// anything else is 500.
func (h *Handler) handleTurnError(w http.ResponseWriter, err error) {
	var contention *lock.ContentionError
	var backend *provider.BackendError

	switch {
	case errors.As(err, &contention):
		h.sendError(w, "Conversation is being processed by another request", http.StatusConflict)
	case errors.Is(err, store.ErrStorageUnavailable):
		h.sendError(w, "Storage backend unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &backend):
		h.sendError(w, "LLM backend failure", http.StatusBadGateway)
	default:
		h.logger.Error("Turn processing failed", zap.Error(err))
		h.sendError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) sendError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
