// Package models defines the shared data model for the chatwheel
// orchestrator: workflow state, conversation records, and the normalized
// message shape exchanged with LLM backends.
package models

import (
	"time"
)

// Status represents the lifecycle status of a workflow or conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Role identifies the author of a normalized message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageKind identifies the content type a normalized message carries.
type MessageKind string

const (
	KindText         MessageKind = "text"
	KindAdaptiveCard MessageKind = "adaptiveCard"
)

// PayloadSource identifies which response surface structured data was
// extracted from. The surface determines extraction confidence.
type PayloadSource string

const (
	SourceValue    PayloadSource = "value"    // structured value field, SDK-provided
	SourceEntities PayloadSource = "entities" // entity list, some noise
	SourceText     PayloadSource = "text"     // JSON fragment parsed out of free text
)

// Confidence is the trust tier assigned to extracted structured data.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// InputType is a UI hint for the kind of input the client should render next.
type InputType string

const (
	InputText         InputType = "text"
	InputChoice       InputType = "choice"
	InputConfirmation InputType = "confirmation"
	InputNone         InputType = "none"
)

// ExtractedPayload holds structured data an upstream normalizer found on a
// backend response surface. Data always contains at least one key; a payload
// with no fields is never attached.
type ExtractedPayload struct {
	Source     PayloadSource          `json:"source"`
	Confidence Confidence             `json:"confidence"`
	Data       map[string]interface{} `json:"data"`
}

// NormalizedMessage is the uniform message shape all LLM backends produce.
// The orchestrator treats it as opaque except for Role, Text, and
// ExtractedPayload.
type NormalizedMessage struct {
	ID   string      `json:"id"`
	Role Role        `json:"role"`
	Kind MessageKind `json:"kind"`

	// Present when Kind is text.
	Text string `json:"text,omitempty"`

	// Present when Kind is adaptiveCard.
	CardJSON map[string]interface{} `json:"cardJson,omitempty"`
	CardID   string                 `json:"cardId,omitempty"`

	// Present when the normalizer found machine-readable content.
	ExtractedPayload *ExtractedPayload `json:"extractedPayload,omitempty"`
}

// WorkflowState is the durable, per-conversation progress record. It is
// created at session start, mutated only inside a lock-held turn, and never
// deleted by the orchestrator (expiry is a storage-layer concern).
//
// Invariants: CollectedData keys are only ever added or overwritten, never
// removed. TurnCount increases by exactly one per committed turn.
type WorkflowState struct {
	// Step is the current workflow step id. Ids that don't match the
	// workflow definition degrade to progress index 0.
	Step string `json:"step"`

	// CollectedData accumulates structured fields across turns; later
	// turns overwrite same-named earlier fields (shallow merge).
	CollectedData map[string]interface{} `json:"collectedData,omitempty"`

	// LastRecommendation is the most recent recommendation extracted from
	// an assistant response, if any.
	LastRecommendation string `json:"lastRecommendation,omitempty"`

	// TurnCount is the number of completed orchestrator calls.
	TurnCount int `json:"turnCount"`

	Status Status `json:"status"`

	// Ownership scoping, set once at session start.
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`

	// Progress is an optional UI hint in [0,1]; nil means indeterminate.
	Progress *float64 `json:"progress,omitempty"`

	// UI hints, orthogonal to persistence correctness.
	SuggestedInputType InputType `json:"suggestedInputType,omitempty"`
	Choices            []string  `json:"choices,omitempty"`
}

// InitialStep is the step every workflow starts in.
const InitialStep = "initial"

// NewInitialState returns the workflow state a session begins with.
func NewInitialState(userID, tenantID string) *WorkflowState {
	return &WorkflowState{
		Step:          InitialStep,
		CollectedData: map[string]interface{}{},
		TurnCount:     0,
		Status:        StatusActive,
		UserID:        userID,
		TenantID:      tenantID,
	}
}

// Clone returns a deep-enough copy of the state for read-modify-write
// cycles: the CollectedData map and Choices slice are copied so mutations
// on the clone never leak into the original.
func (s *WorkflowState) Clone() *WorkflowState {
	out := *s
	if s.CollectedData != nil {
		out.CollectedData = make(map[string]interface{}, len(s.CollectedData))
		for k, v := range s.CollectedData {
			out.CollectedData[k] = v
		}
	}
	if s.Choices != nil {
		out.Choices = append([]string(nil), s.Choices...)
	}
	return &out
}

// StoredConversation is the conversation-level envelope: the transcript and
// ownership metadata for one conversation. History is append-only; the
// orchestrator appends exactly the messages returned by the current turn.
type StoredConversation struct {
	// ExternalID is the opaque handle returned to the client.
	ExternalID string `json:"externalId"`

	// SessionRef is an opaque backend session reference. It may hold a
	// live SDK object and is not persisted; backends that need it
	// reconstruct it when a conversation is resumed.
	SessionRef interface{} `json:"-"`

	History []NormalizedMessage `json:"history"`

	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Status Status `json:"status"`
}
