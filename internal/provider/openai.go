package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/models"
)

// DefaultOpenAIModel is used when no model override is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// systemPrompt teaches the model the workflow arc and the structured
// response contract the parser expects. User messages may carry a
// [CONTEXT] block injected by the context builder; the prompt tells the
// model how to use it.
const systemPrompt = `You are a helpful workflow assistant.

You guide users through a structured workflow with these steps:
1. initial — Greet the user and understand their need
2. gather_info — Collect requirements and preferences
3. research — Analyze options based on collected data
4. confirm — Present recommendation for user confirmation
5. complete — Deliver final response

IMPORTANT: You MUST respond with valid JSON matching the required schema. Every response must include:
- "action": One of "ask", "research", "confirm", "complete", "error" — signals the current workflow stage
- "prompt": Your user-facing text response (this is what the user sees)
- "data": An object containing any structured data you want to collect or return (empty {} if none)
- "confidence": A number between 0 and 1 indicating your certainty
- "citations": An array of source URLs (empty [] if none)

User messages may include a [CONTEXT] block with workflow state (step, collectedData, turnCount). Use this to maintain continuity across turns.`

// workflowResponseSchema is the json_schema response format enforcing the
// structured output contract on every completion.
var workflowResponseSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action": map[string]interface{}{
			"type": "string",
			"enum": []string{"ask", "research", "confirm", "complete", "error"},
		},
		"prompt": map[string]interface{}{"type": "string"},
		"data":   map[string]interface{}{"type": "object"},
		"confidence": map[string]interface{}{
			"type": "number",
		},
		"citations": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	},
	"required": []string{"action", "prompt", "data", "confidence", "citations"},
}

type chatMessage struct {
	role    string // "user" or "assistant"
	content string
}

// OpenAIProvider implements LlmProvider on the OpenAI chat completions
// API. Per-conversation message history lives in provider memory under a
// mutex; structured output (json_schema response format) yields an
// ExtractedPayload with source "value" and confidence "high" on every
// assistant message.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	logger *zap.Logger

	mu        sync.Mutex
	histories map[string][]chatMessage
}

// NewOpenAIProvider creates the OpenAI-backed provider. An empty model
// falls back to DefaultOpenAIModel.
func NewOpenAIProvider(apiKey, model string, logger *zap.Logger) *OpenAIProvider {
	if model == "" {
		model = DefaultOpenAIModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{
		client:    &client,
		model:     model,
		logger:    logger,
		histories: make(map[string][]chatMessage),
	}
}

// StartSession initializes history for the conversation and requests a
// greeting.
func (p *OpenAIProvider) StartSession(ctx context.Context, conversationID string) ([]models.NormalizedMessage, error) {
	p.mu.Lock()
	p.histories[conversationID] = nil
	p.mu.Unlock()

	return p.exchange(ctx, conversationID, "startSession", "Please greet me and introduce yourself.")
}

// SendMessage sends one user text turn with the full prior history.
func (p *OpenAIProvider) SendMessage(ctx context.Context, conversationID, text string) ([]models.NormalizedMessage, error) {
	return p.exchange(ctx, conversationID, "sendMessage", text)
}

// SendCardAction converts the submit payload to a text description and
// processes it as an ordinary message; the card format itself is specific
// to other backends.
func (p *OpenAIProvider) SendCardAction(ctx context.Context, conversationID string, actionValue map[string]interface{}) ([]models.NormalizedMessage, error) {
	messages, err := p.exchange(ctx, conversationID, "sendCardAction", formatCardAction(actionValue))
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *OpenAIProvider) exchange(ctx context.Context, conversationID, op, userText string) ([]models.NormalizedMessage, error) {
	p.mu.Lock()
	history := append([]chatMessage(nil), p.histories[conversationID]...)
	p.mu.Unlock()

	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: buildMessages(history, userText),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				Type: "json_schema",
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "workflow_response",
					Schema: workflowResponseSchema,
					Strict: openai.Bool(false),
				},
			},
		},
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &BackendError{Op: op, Err: err}
	}
	if len(resp.Choices) == 0 {
		return []models.NormalizedMessage{}, nil
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return []models.NormalizedMessage{}, nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		// json_schema mode should make this unreachable; surface the raw
		// text as a plain assistant message rather than failing the turn.
		p.logger.Warn("OpenAI returned non-JSON content despite schema mode",
			zap.String("conversation_id", conversationID),
		)
		return []models.NormalizedMessage{{
			ID:   uuid.NewString(),
			Role: models.RoleAssistant,
			Kind: models.KindText,
			Text: content,
		}}, nil
	}

	p.mu.Lock()
	p.histories[conversationID] = append(p.histories[conversationID],
		chatMessage{role: "user", content: userText},
		chatMessage{role: "assistant", content: content},
	)
	p.mu.Unlock()

	return []models.NormalizedMessage{normalizeStructured(parsed)}, nil
}

func buildMessages(history []chatMessage, userText string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	out = append(out, openai.SystemMessage(systemPrompt))
	for _, msg := range history {
		if msg.role == "assistant" {
			out = append(out, openai.AssistantMessage(msg.content))
		} else {
			out = append(out, openai.UserMessage(msg.content))
		}
	}
	return append(out, openai.UserMessage(userText))
}

// normalizeStructured wraps a structured completion as a normalized
// assistant message. Source is "value" and confidence "high": json_schema
// mode guarantees the payload shape.
func normalizeStructured(parsed map[string]interface{}) models.NormalizedMessage {
	text, _ := parsed["prompt"].(string)
	return models.NormalizedMessage{
		ID:   uuid.NewString(),
		Role: models.RoleAssistant,
		Kind: models.KindText,
		Text: text,
		ExtractedPayload: &models.ExtractedPayload{
			Source:     models.SourceValue,
			Confidence: models.ConfidenceHigh,
			Data:       parsed,
		},
	}
}

// formatCardAction renders a card submit payload as deterministic text,
// keys sorted for stable prompts.
func formatCardAction(actionValue map[string]interface{}) string {
	keys := make([]string, 0, len(actionValue))
	for k := range actionValue {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, actionValue[k]))
	}
	return "[Card Action] User submitted: " + strings.Join(parts, ", ")
}
