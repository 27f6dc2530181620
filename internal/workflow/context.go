package workflow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/chatwheel/chatwheel/internal/models"
)

// ContextConfig customizes how outbound queries are enriched.
type ContextConfig struct {
	// PreambleTemplate overrides the default template. Recognized
	// placeholders: {step}, {dataJson}, {turnCount}, {userMessage}.
	PreambleTemplate string

	// MaxLength caps the composed query length in characters. Excess is
	// truncated with a "..." suffix. Zero means DefaultMaxLength.
	MaxLength int
}

// DefaultMaxLength is the query length cap applied when no override is set.
const DefaultMaxLength = 2000

const defaultTemplate = `[CONTEXT]
Phase: {step}
Collected data: {dataJson}
Turn number: {turnCount}
[/CONTEXT]

{userMessage}`

// BuildContextualQuery composes the enriched query sent to the LLM backend:
// the preamble template interpolated with workflow state, truncated to the
// configured limit. Pure function, no side effects.
//
// Substitution is single-pass and literal: placeholder-like text inside
// substituted values (a step named "{dataJson}", braces in collected data)
// is never re-scanned.
func BuildContextualQuery(userMessage string, state *models.WorkflowState, cfg *ContextConfig) (query string, truncated bool) {
	template := defaultTemplate
	maxLength := DefaultMaxLength
	if cfg != nil {
		if cfg.PreambleTemplate != "" {
			template = cfg.PreambleTemplate
		}
		if cfg.MaxLength > 0 {
			maxLength = cfg.MaxLength
		}
	}

	collected := state.CollectedData
	if collected == nil {
		collected = map[string]interface{}{}
	}
	dataJSON, err := json.Marshal(collected)
	if err != nil {
		// Unmarshalable values (channels, funcs) should never reach state,
		// but the builder must not fail the turn over a UI preamble.
		dataJSON = []byte("{}")
	}

	query = expand(template, map[string]string{
		"step":        state.Step,
		"dataJson":    string(dataJSON),
		"turnCount":   strconv.Itoa(state.TurnCount),
		"userMessage": userMessage,
	})

	runes := []rune(query)
	if len(runes) > maxLength {
		cut := maxLength - 3
		if cut < 0 {
			cut = 0
		}
		head := strings.TrimRight(string(runes[:cut]), " \t\r\n")
		return head + "...", true
	}

	return query, false
}

// expand walks the template exactly once, splicing in values for known
// {placeholder} tokens and copying everything else verbatim.
func expand(template string, values map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		if template[i] == '{' {
			if end := strings.IndexByte(template[i:], '}'); end > 0 {
				if v, ok := values[template[i+1:i+end]]; ok {
					b.WriteString(v)
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(template[i])
		i++
	}

	return b.String()
}
