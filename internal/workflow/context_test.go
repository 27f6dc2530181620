package workflow

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwheel/chatwheel/internal/models"
)

func TestBuildContextualQueryDefaultTemplate(t *testing.T) {
	state := &models.WorkflowState{
		Step:          "gather_info",
		CollectedData: map[string]interface{}{"destination": "Tokyo"},
		TurnCount:     2,
	}

	query, truncated := BuildContextualQuery("What about hotels?", state, nil)

	assert.False(t, truncated)
	assert.Contains(t, query, "[CONTEXT]")
	assert.Contains(t, query, "Phase: gather_info")
	assert.Contains(t, query, `"destination":"Tokyo"`)
	assert.Contains(t, query, "Turn number: 2")
	assert.True(t, strings.HasSuffix(query, "What about hotels?"))
}

func TestBuildContextualQueryNilCollectedData(t *testing.T) {
	state := &models.WorkflowState{Step: "initial"}

	query, _ := BuildContextualQuery("hi", state, nil)

	assert.Contains(t, query, "Collected data: {}")
}

func TestBuildContextualQueryCustomTemplate(t *testing.T) {
	state := &models.WorkflowState{Step: "research", TurnCount: 5}
	cfg := &ContextConfig{PreambleTemplate: "step={step} turn={turnCount} >> {userMessage}"}

	query, truncated := BuildContextualQuery("go", state, cfg)

	assert.False(t, truncated)
	assert.Equal(t, "step=research turn=5 >> go", query)
}

func TestBuildContextualQueryUnknownPlaceholderKeptVerbatim(t *testing.T) {
	state := &models.WorkflowState{Step: "initial"}
	cfg := &ContextConfig{PreambleTemplate: "{nope} {userMessage}"}

	query, _ := BuildContextualQuery("x", state, cfg)

	assert.Equal(t, "{nope} x", query)
}

func TestBuildContextualQuerySubstitutedValuesNotRescanned(t *testing.T) {
	// A user message containing placeholder syntax must be spliced in
	// literally, never expanded a second time.
	state := &models.WorkflowState{
		Step:          "{dataJson}",
		CollectedData: map[string]interface{}{"note": "{userMessage}"},
	}

	query, _ := BuildContextualQuery("please show {step}", state, nil)

	assert.Contains(t, query, "Phase: {dataJson}")
	assert.Contains(t, query, `"note":"{userMessage}"`)
	assert.True(t, strings.HasSuffix(query, "please show {step}"))
}

func TestBuildContextualQueryTruncation(t *testing.T) {
	state := &models.WorkflowState{Step: "initial"}
	cfg := &ContextConfig{MaxLength: 50}

	query, truncated := BuildContextualQuery(strings.Repeat("a", 500), state, cfg)

	require.True(t, truncated)
	assert.True(t, strings.HasSuffix(query, "..."))
	assert.LessOrEqual(t, utf8.RuneCountInString(query), 50)
}

func TestBuildContextualQueryNoTruncationAtLimit(t *testing.T) {
	state := &models.WorkflowState{Step: "s"}
	cfg := &ContextConfig{PreambleTemplate: "{userMessage}", MaxLength: 10}

	query, truncated := BuildContextualQuery("0123456789", state, cfg)

	assert.False(t, truncated)
	assert.Equal(t, "0123456789", query)
}

func TestBuildContextualQueryTruncationTrimsTrailingWhitespace(t *testing.T) {
	state := &models.WorkflowState{Step: "s"}
	cfg := &ContextConfig{PreambleTemplate: "{userMessage}", MaxLength: 10}

	// Characters 0..6 end with spaces; they must be trimmed before the
	// ellipsis is appended.
	query, truncated := BuildContextualQuery("abcd   xxxxxxxx", state, cfg)

	require.True(t, truncated)
	assert.Equal(t, "abcd...", query)
}

func TestBuildContextualQueryMultibyteSafe(t *testing.T) {
	state := &models.WorkflowState{Step: "s"}
	cfg := &ContextConfig{PreambleTemplate: "{userMessage}", MaxLength: 10}

	query, truncated := BuildContextualQuery(strings.Repeat("日", 30), state, cfg)

	require.True(t, truncated)
	assert.True(t, utf8.ValidString(query))
	assert.LessOrEqual(t, utf8.RuneCountInString(query), 10)
}
