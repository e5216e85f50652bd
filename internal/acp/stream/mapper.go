// Package stream maps agent lifecycle events onto the session/update
// notifications a connected client sees.
package stream

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/toolcall"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/hooks"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// EffectKind tells the caller what to do with its tool tracking state.
type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectTrack
	EffectClear
)

// Effect is the side channel of Map: EffectTrack carries the call to
// start tracking, EffectClear names the call to drop.
type Effect struct {
	Kind EffectKind
	Call toolcall.Call
}

// Event name prefixes that are internal chatter, never surfaced.
var ignoredPrefixes = []string{
	"session:", "execution:", "llm:", "provider:", "prompt:", "orchestrator:",
}

var toolKinds = map[string]string{
	"bash":        protocol.ToolKindExecute,
	"shell":       protocol.ToolKindExecute,
	"run_command": protocol.ToolKindExecute,
	"read_file":   protocol.ToolKindRead,
	"list_files":  protocol.ToolKindRead,
	"write_file":  protocol.ToolKindEdit,
	"edit_file":   protocol.ToolKindEdit,
	"apply_patch": protocol.ToolKindEdit,
	"grep":        protocol.ToolKindSearch,
	"glob":        protocol.ToolKindSearch,
	"web_search":  protocol.ToolKindSearch,
	"web_fetch":   protocol.ToolKindFetch,
	"fetch":       protocol.ToolKindFetch,
	"spawn_agent": protocol.ToolKindDelegate,
	"delegate":    protocol.ToolKindDelegate,
	"think":       protocol.ToolKindThink,
}

// Mapper converts hook events into session updates.
type Mapper struct {
	logger *logger.Logger
}

// NewMapper creates a mapper.
func NewMapper(log *logger.Logger) *Mapper {
	if log == nil {
		log = logger.Default()
	}
	return &Mapper{logger: log}
}

// Map translates one event. A nil update means the event produces no
// client-visible notification.
func (m *Mapper) Map(event hooks.Event) (*protocol.SessionUpdate, Effect) {
	switch event.Name {
	case "content_block:delta", "content_block:end":
		return messageChunk(stringField(event.Data, "text")), Effect{}

	case "content_block:start":
		return nil, Effect{}

	case "content", "assistant_message", "text":
		return messageChunk(stringField(event.Data, "text")), Effect{}

	case "tool:pre":
		return m.toolStart(event)

	case "tool:post":
		callID := stringField(event.Data, "call_id")
		update := &protocol.SessionUpdate{ToolCallUpdate: &protocol.ToolCallProgress{
			ToolCallID: callID,
			Status:     protocol.ToolStatusCompleted,
			RawOutput:  rawResult(event.Data["result"]),
		}}
		return update, Effect{Kind: EffectClear, Call: toolcall.Call{CallID: callID}}

	case "tool:error":
		callID := stringField(event.Data, "call_id")
		update := &protocol.SessionUpdate{ToolCallUpdate: &protocol.ToolCallProgress{
			ToolCallID: callID,
			Status:     protocol.ToolStatusFailed,
			RawOutput:  rawResult(map[string]any{"error": stringField(event.Data, "error")}),
		}}
		return update, Effect{Kind: EffectClear, Call: toolcall.Call{CallID: callID}}

	case "todo:update":
		return todoPlan(event.Data), Effect{}
	}

	if strings.HasPrefix(event.Name, "thinking:") {
		text := stringField(event.Data, "text")
		if text == "" {
			return nil, Effect{}
		}
		return &protocol.SessionUpdate{
			AgentThoughtChunk: &protocol.MessageChunk{Content: protocol.TextBlock(text)},
		}, Effect{}
	}

	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(event.Name, prefix) {
			return nil, Effect{}
		}
	}

	m.logger.Debug("Unmapped agent event", zap.String("event", event.Name))
	return nil, Effect{}
}

func (m *Mapper) toolStart(event hooks.Event) (*protocol.SessionUpdate, Effect) {
	callID := stringField(event.Data, "call_id")
	toolName := stringField(event.Data, "tool_name")
	args, _ := event.Data["arguments"].(map[string]any)

	update := &protocol.SessionUpdate{ToolCall: &protocol.ToolCallStart{
		ToolCallID: callID,
		Title:      ToolTitle(toolName, args),
		Kind:       ToolKind(toolName),
		Status:     protocol.ToolStatusPending,
		RawInput:   rawResult(args),
	}}
	effect := Effect{
		Kind: EffectTrack,
		Call: toolcall.Call{CallID: callID, ToolName: toolName, Arguments: args},
	}
	return update, effect
}

func messageChunk(text string) *protocol.SessionUpdate {
	if text == "" {
		return nil
	}
	return &protocol.SessionUpdate{
		AgentMessageChunk: &protocol.MessageChunk{Content: protocol.TextBlock(text)},
	}
}

func todoPlan(data map[string]any) *protocol.SessionUpdate {
	items, _ := data["todos"].([]any)
	entries := make([]protocol.PlanEntry, 0, len(items))
	for _, item := range items {
		todo, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entries = append(entries, protocol.PlanEntry{
			Content:  stringField(todo, "content"),
			Status:   coercePlanStatus(stringField(todo, "status")),
			Priority: coercePlanPriority(stringField(todo, "priority")),
		})
	}
	return &protocol.SessionUpdate{Plan: &protocol.Plan{Entries: entries}}
}

func coercePlanStatus(status string) string {
	switch status {
	case protocol.PlanStatusPending, protocol.PlanStatusInProgress, protocol.PlanStatusCompleted:
		return status
	}
	return protocol.PlanStatusPending
}

func coercePlanPriority(priority string) string {
	switch priority {
	case protocol.PlanPriorityHigh, protocol.PlanPriorityMedium, protocol.PlanPriorityLow:
		return priority
	}
	return protocol.PlanPriorityMedium
}

// ToolTitle derives the human-readable title for a tool invocation.
func ToolTitle(toolName string, args map[string]any) string {
	switch toolName {
	case "bash", "shell", "run_command":
		command := stringField(args, "command")
		return "Run: " + truncate(command, 50)
	}
	return titleCase(toolName)
}

// ToolKind classifies a tool into the update vocabulary. Unknown tools
// are "other".
func ToolKind(toolName string) string {
	if kind, ok := toolKinds[toolName]; ok {
		return kind
	}
	return protocol.ToolKindOther
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	if len(words) == 0 {
		return "Tool"
	}
	return strings.Join(words, " ")
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	value, _ := data[key].(string)
	return value
}

func rawResult(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
