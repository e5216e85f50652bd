package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/internal/hooks"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

func event(name string, data map[string]any) hooks.Event {
	return hooks.Event{Name: name, SessionID: "sess", Data: data}
}

func TestTextDeltaBecomesMessageChunk(t *testing.T) {
	m := NewMapper(nil)

	for _, name := range []string{"content_block:delta", "content_block:end", "content", "assistant_message", "text"} {
		update, effect := m.Map(event(name, map[string]any{"text": "hello"}))
		require.NotNil(t, update, name)
		require.NotNil(t, update.AgentMessageChunk, name)
		assert.Equal(t, "hello", update.AgentMessageChunk.Content.Text)
		assert.Equal(t, EffectNone, effect.Kind)
	}
}

func TestContentBlockStartIgnored(t *testing.T) {
	m := NewMapper(nil)
	update, _ := m.Map(event("content_block:start", map[string]any{"type": "text"}))
	assert.Nil(t, update)
}

func TestToolPreStartsTracking(t *testing.T) {
	m := NewMapper(nil)
	update, effect := m.Map(event("tool:pre", map[string]any{
		"call_id":   "call_9",
		"tool_name": "bash",
		"arguments": map[string]any{"command": "ls -la /tmp"},
	}))

	require.NotNil(t, update)
	require.NotNil(t, update.ToolCall)
	assert.Equal(t, "call_9", update.ToolCall.ToolCallID)
	assert.Equal(t, "Run: ls -la /tmp", update.ToolCall.Title)
	assert.Equal(t, protocol.ToolKindExecute, update.ToolCall.Kind)
	assert.Equal(t, protocol.ToolStatusPending, update.ToolCall.Status)
	assert.JSONEq(t, `{"command":"ls -la /tmp"}`, string(update.ToolCall.RawInput))

	assert.Equal(t, EffectTrack, effect.Kind)
	assert.Equal(t, "call_9", effect.Call.CallID)
	assert.Equal(t, "bash", effect.Call.ToolName)
}

func TestToolPostCompletesAndClears(t *testing.T) {
	m := NewMapper(nil)
	update, effect := m.Map(event("tool:post", map[string]any{
		"call_id": "call_9",
		"result":  map[string]any{"output": "file.txt"},
	}))

	require.NotNil(t, update)
	require.NotNil(t, update.ToolCallUpdate)
	assert.Equal(t, protocol.ToolStatusCompleted, update.ToolCallUpdate.Status)
	assert.JSONEq(t, `{"output":"file.txt"}`, string(update.ToolCallUpdate.RawOutput))
	assert.Equal(t, EffectClear, effect.Kind)
}

func TestToolErrorFailsAndClears(t *testing.T) {
	m := NewMapper(nil)
	update, effect := m.Map(event("tool:error", map[string]any{
		"call_id": "call_9",
		"error":   "command not found",
	}))

	require.NotNil(t, update)
	require.NotNil(t, update.ToolCallUpdate)
	assert.Equal(t, protocol.ToolStatusFailed, update.ToolCallUpdate.Status)
	assert.JSONEq(t, `{"error":"command not found"}`, string(update.ToolCallUpdate.RawOutput))
	assert.Equal(t, EffectClear, effect.Kind)
}

func TestTodoUpdateBecomesPlan(t *testing.T) {
	m := NewMapper(nil)
	update, _ := m.Map(event("todo:update", map[string]any{
		"todos": []any{
			map[string]any{"content": "read code", "status": "completed", "priority": "high"},
			map[string]any{"content": "write tests", "status": "doing", "priority": "urgent"},
		},
	}))

	require.NotNil(t, update)
	require.NotNil(t, update.Plan)
	require.Len(t, update.Plan.Entries, 2)
	assert.Equal(t, protocol.PlanStatusCompleted, update.Plan.Entries[0].Status)
	// Invalid values coerce to the defaults.
	assert.Equal(t, protocol.PlanStatusPending, update.Plan.Entries[1].Status)
	assert.Equal(t, protocol.PlanPriorityMedium, update.Plan.Entries[1].Priority)
}

func TestThinkingBecomesThoughtChunk(t *testing.T) {
	m := NewMapper(nil)
	update, _ := m.Map(event("thinking:delta", map[string]any{"text": "hmm"}))
	require.NotNil(t, update)
	require.NotNil(t, update.AgentThoughtChunk)
	assert.Equal(t, "hmm", update.AgentThoughtChunk.Content.Text)
}

func TestInternalPrefixesIgnored(t *testing.T) {
	m := NewMapper(nil)
	for _, name := range []string{"session:fork", "execution:step", "llm:request", "provider:retry", "prompt:build", "orchestrator:tick"} {
		update, effect := m.Map(event(name, map[string]any{"text": "noise"}))
		assert.Nil(t, update, name)
		assert.Equal(t, EffectNone, effect.Kind, name)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	m := NewMapper(nil)
	update, _ := m.Map(event("telemetry:flush", nil))
	assert.Nil(t, update)
}

func TestBashTitleTruncation(t *testing.T) {
	long := strings.Repeat("x", 80)
	title := ToolTitle("bash", map[string]any{"command": long})
	assert.Equal(t, "Run: "+strings.Repeat("x", 50)+"...", title)

	short := ToolTitle("bash", map[string]any{"command": "pwd"})
	assert.Equal(t, "Run: pwd", short)
}

func TestUnknownToolTitleCased(t *testing.T) {
	assert.Equal(t, "Fetch Weather Data", ToolTitle("fetch_weather_data", nil))
	assert.Equal(t, protocol.ToolKindOther, ToolKind("fetch_weather_data"))
}

func TestKnownToolKinds(t *testing.T) {
	assert.Equal(t, protocol.ToolKindRead, ToolKind("read_file"))
	assert.Equal(t, protocol.ToolKindEdit, ToolKind("write_file"))
	assert.Equal(t, protocol.ToolKindSearch, ToolKind("grep"))
	assert.Equal(t, protocol.ToolKindFetch, ToolKind("web_fetch"))
	assert.Equal(t, protocol.ToolKindDelegate, ToolKind("spawn_agent"))
	assert.Equal(t, protocol.ToolKindThink, ToolKind("think"))
}

func TestEmptyTextProducesNoChunk(t *testing.T) {
	m := NewMapper(nil)
	update, _ := m.Map(event("content_block:delta", map[string]any{}))
	assert.Nil(t, update)
}
