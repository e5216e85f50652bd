package protocol

import (
	"encoding/json"
	"fmt"
)

// SessionUpdate discriminator values.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// Tool call lifecycle states.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

// Tool kinds.
const (
	ToolKindRead     = "read"
	ToolKindEdit     = "edit"
	ToolKindExecute  = "execute"
	ToolKindSearch   = "search"
	ToolKindFetch    = "fetch"
	ToolKindDelegate = "delegate"
	ToolKindThink    = "think"
	ToolKindOther    = "other"
)

// Plan entry states and priorities.
const (
	PlanStatusPending    = "pending"
	PlanStatusInProgress = "in_progress"
	PlanStatusCompleted  = "completed"

	PlanPriorityHigh   = "high"
	PlanPriorityMedium = "medium"
	PlanPriorityLow    = "low"
)

// SessionNotification is the params payload of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the tagged union streamed while a prompt runs. Exactly
// one variant pointer is set; the wire form carries a "sessionUpdate"
// discriminator alongside the variant's own fields.
type SessionUpdate struct {
	AgentMessageChunk *MessageChunk
	AgentThoughtChunk *MessageChunk
	UserMessageChunk  *MessageChunk
	ToolCall          *ToolCallStart
	ToolCallUpdate    *ToolCallProgress
	Plan              *Plan
}

// MessageChunk carries one streamed content block.
type MessageChunk struct {
	Content ContentBlock `json:"content"`
}

// ToolCallStart announces a new tool invocation.
type ToolCallStart struct {
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title"`
	Kind       string             `json:"kind,omitempty"`
	Status     string             `json:"status,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
}

// ToolCallProgress reports status or output for an announced tool call.
type ToolCallProgress struct {
	ToolCallID string            `json:"toolCallId"`
	Status     string            `json:"status,omitempty"`
	Title      string            `json:"title,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	RawOutput  json.RawMessage   `json:"rawOutput,omitempty"`
	Content    []ToolCallContent `json:"content,omitempty"`
}

// ToolCallLocation points a tool call at a file position.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// Plan is the agent's current todo list.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is one todo item.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// Variant returns the discriminator of the populated variant, or "".
func (u SessionUpdate) Variant() string {
	switch {
	case u.AgentMessageChunk != nil:
		return UpdateAgentMessageChunk
	case u.AgentThoughtChunk != nil:
		return UpdateAgentThoughtChunk
	case u.UserMessageChunk != nil:
		return UpdateUserMessageChunk
	case u.ToolCall != nil:
		return UpdateToolCall
	case u.ToolCallUpdate != nil:
		return UpdateToolCallUpdate
	case u.Plan != nil:
		return UpdatePlan
	default:
		return ""
	}
}

// MarshalJSON writes the variant's fields with the discriminator first.
func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	switch {
	case u.AgentMessageChunk != nil:
		return taggedJSON(UpdateAgentMessageChunk, u.AgentMessageChunk)
	case u.AgentThoughtChunk != nil:
		return taggedJSON(UpdateAgentThoughtChunk, u.AgentThoughtChunk)
	case u.UserMessageChunk != nil:
		return taggedJSON(UpdateUserMessageChunk, u.UserMessageChunk)
	case u.ToolCall != nil:
		return taggedJSON(UpdateToolCall, u.ToolCall)
	case u.ToolCallUpdate != nil:
		return taggedJSON(UpdateToolCallUpdate, u.ToolCallUpdate)
	case u.Plan != nil:
		return taggedJSON(UpdatePlan, u.Plan)
	default:
		return nil, fmt.Errorf("session update has no variant set")
	}
}

// UnmarshalJSON dispatches on the "sessionUpdate" discriminator.
func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var probe struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.SessionUpdate {
	case UpdateAgentMessageChunk:
		u.AgentMessageChunk = &MessageChunk{}
		return json.Unmarshal(data, u.AgentMessageChunk)
	case UpdateAgentThoughtChunk:
		u.AgentThoughtChunk = &MessageChunk{}
		return json.Unmarshal(data, u.AgentThoughtChunk)
	case UpdateUserMessageChunk:
		u.UserMessageChunk = &MessageChunk{}
		return json.Unmarshal(data, u.UserMessageChunk)
	case UpdateToolCall:
		u.ToolCall = &ToolCallStart{}
		return json.Unmarshal(data, u.ToolCall)
	case UpdateToolCallUpdate:
		u.ToolCallUpdate = &ToolCallProgress{}
		return json.Unmarshal(data, u.ToolCallUpdate)
	case UpdatePlan:
		u.Plan = &Plan{}
		return json.Unmarshal(data, u.Plan)
	default:
		return fmt.Errorf("unknown session update %q", probe.SessionUpdate)
	}
}

// taggedJSON splices {"sessionUpdate":tag, ...inner fields...}.
func taggedJSON(tag string, v interface{}) ([]byte, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(map[string]string{"sessionUpdate": tag})
	if err != nil {
		return nil, err
	}
	if len(inner) == 2 { // "{}"
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(inner))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, inner[1:]...)
	return out, nil
}
