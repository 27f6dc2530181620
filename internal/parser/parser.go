// Package parser turns a backend response into exactly one of three
// outcomes: structured, passthrough, or parse_error. It sits on the
// critical path of every turn and must never panic the orchestrator.
package parser

import (
	"fmt"

	"github.com/chatwheel/chatwheel/internal/models"
)

// Kind discriminates the three parse outcomes.
type Kind string

const (
	KindStructured  Kind = "structured"
	KindPassthrough Kind = "passthrough"
	KindParseError  Kind = "parse_error"
)

// Actions a structured backend response can signal. Unknown actions fail
// validation; absent actions are fine.
var validActions = map[string]struct{}{
	"ask":      {},
	"research": {},
	"confirm":  {},
	"complete": {},
	"error":    {},
}

// ParsedTurn is the result of parsing one backend response turn.
//
// Invariants: exactly one Kind per call; ParseErrors is non-empty iff Kind
// is KindParseError; Data, NextAction, NextPrompt, Confidence and Citations
// are only populated when Kind is KindStructured.
type ParsedTurn struct {
	Kind Kind `json:"kind"`

	// Data is the full validated structured payload, unknown fields
	// preserved. Nil unless Kind is structured.
	Data map[string]interface{} `json:"data,omitempty"`

	// NextAction is the workflow action from the payload's "action"
	// field; empty when absent.
	NextAction string `json:"nextAction,omitempty"`

	// NextPrompt is the follow-up prompt from the payload's "prompt"
	// field; empty when absent.
	NextPrompt string `json:"nextPrompt,omitempty"`

	// Confidence is the extraction trust tier copied from the payload's
	// own confidence tier (not the numeric schema field).
	Confidence models.Confidence `json:"confidence,omitempty"`

	Citations []string `json:"citations,omitempty"`

	// ParseErrors describes validation failures; non-empty iff Kind is
	// parse_error.
	ParseErrors []string `json:"parseErrors,omitempty"`
}

// ParseTurn scans messages in order for the first assistant message
// carrying an extracted payload and validates it. It never panics: any
// unexpected failure is recovered into a parse_error outcome.
func ParseTurn(messages []models.NormalizedMessage) (turn ParsedTurn) {
	defer func() {
		if r := recover(); r != nil {
			turn = ParsedTurn{
				Kind:        KindParseError,
				ParseErrors: []string{fmt.Sprintf("unexpected parser failure: %v", r)},
			}
		}
	}()

	for _, msg := range messages {
		// Only assistant messages carry structured output.
		if msg.Role != models.RoleAssistant {
			continue
		}
		if msg.ExtractedPayload == nil {
			continue
		}

		data := msg.ExtractedPayload.Data
		if errs := validate(data); len(errs) > 0 {
			return ParsedTurn{Kind: KindParseError, ParseErrors: errs}
		}

		action, _ := data["action"].(string)
		prompt, _ := data["prompt"].(string)

		return ParsedTurn{
			Kind:       KindStructured,
			Data:       data,
			NextAction: action,
			NextPrompt: prompt,
			Confidence: msg.ExtractedPayload.Confidence,
			Citations:  stringSlice(data["citations"]),
		}
	}

	// No assistant message carried a payload: an ordinary free-text turn.
	return ParsedTurn{Kind: KindPassthrough}
}

// validate checks the fields the orchestrator depends on while letting
// unknown fields through untouched (forward compatibility with evolving
// backend output).
func validate(data map[string]interface{}) []string {
	if data == nil {
		return []string{"extracted payload has no data"}
	}

	var errs []string

	if raw, ok := data["action"]; ok {
		s, isString := raw.(string)
		if !isString {
			errs = append(errs, fmt.Sprintf("action must be a string, got %T", raw))
		} else if _, known := validActions[s]; !known {
			errs = append(errs, fmt.Sprintf("action %q is not a recognized workflow action", s))
		}
	}

	if raw, ok := data["prompt"]; ok {
		if _, isString := raw.(string); !isString {
			errs = append(errs, fmt.Sprintf("prompt must be a string, got %T", raw))
		}
	}

	if raw, ok := data["data"]; ok {
		if _, isMap := raw.(map[string]interface{}); !isMap {
			errs = append(errs, fmt.Sprintf("data must be an object, got %T", raw))
		}
	}

	if raw, ok := data["confidence"]; ok {
		n, isNumber := toFloat(raw)
		if !isNumber {
			errs = append(errs, fmt.Sprintf("confidence must be a number, got %T", raw))
		} else if n < 0 || n > 1 {
			errs = append(errs, fmt.Sprintf("confidence %v is outside [0,1]", n))
		}
	}

	if raw, ok := data["citations"]; ok {
		if _, valid := asStringSlice(raw); !valid {
			errs = append(errs, "citations must be an array of strings")
		}
	}

	return errs
}

// toFloat accepts the numeric types json.Unmarshal and upstream SDKs
// produce for JSON numbers.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v interface{}) ([]string, bool) {
	switch vals := v.(type) {
	case []string:
		return vals, true
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// stringSlice extracts citations after validation; invalid shapes were
// already rejected so this never fails.
func stringSlice(v interface{}) []string {
	if v == nil {
		return []string{}
	}
	out, _ := asStringSlice(v)
	if out == nil {
		return []string{}
	}
	return out
}
