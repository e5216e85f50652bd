package protocol

import "encoding/json"

// ProtocolVersion is the ACP protocol version this runtime speaks.
const ProtocolVersion = 1

// Stop reasons for a completed prompt turn.
const (
	StopReasonEndTurn         = "end_turn"
	StopReasonMaxTokens       = "max_tokens"
	StopReasonMaxTurnRequests = "max_turn_requests"
	StopReasonRefusal         = "refusal"
	StopReasonCancelled       = "cancelled"
	StopReasonError           = "error"
)

// Session modes.
const (
	ModeDefault           = "default"
	ModePlan              = "plan"
	ModeAcceptEdits       = "accept_edits"
	ModeBypassPermissions = "bypass_permissions"
)

// Implementation identifies one side of the connection.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeParams is the client's opening handshake.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientInfo         *Implementation    `json:"clientInfo,omitempty"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// ClientCapabilities describes what the client offers the agent.
type ClientCapabilities struct {
	Fs FsCapability `json:"fs,omitempty"`
}

// FsCapability advertises client-side filesystem methods.
type FsCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeResult is the agent's half of the handshake.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentInfo         Implementation    `json:"agentInfo"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
}

// AgentCapabilities describes what this agent supports.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// PromptCapabilities describes which content block types prompts may carry.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// AuthMethod describes one way to authenticate. This agent advertises none.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// McpServer configures one MCP server for a session. Stdio servers carry
// command+args; remote servers carry url+type.
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// SessionNewParams for session/new.
type SessionNewParams struct {
	Cwd        string          `json:"cwd"`
	McpServers []McpServer     `json:"mcpServers"`
	Meta       json.RawMessage `json:"_meta,omitempty"`
}

// SessionNewResult for session/new.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams for session/load.
type SessionLoadParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd,omitempty"`
	McpServers []McpServer `json:"mcpServers,omitempty"`
}

// SessionLoadResult for session/load.
type SessionLoadResult struct {
	SessionID string `json:"sessionId"`
	Restored  bool   `json:"restored"`
}

// SessionPromptParams for session/prompt.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult closes a prompt turn.
type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// SessionCancelParams for the session/cancel notification.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionSetModeParams for session/set_mode.
type SessionSetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SessionSetModeResult for session/set_mode.
type SessionSetModeResult struct{}

// SessionCloseParams for session/close.
type SessionCloseParams struct {
	SessionID string `json:"sessionId"`
}

// SessionCloseResult for session/close.
type SessionCloseResult struct {
	Closed bool `json:"closed"`
}

// AuthenticateParams for authenticate.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// AuthenticateResult for authenticate.
type AuthenticateResult struct{}

// Permission option kinds.
const (
	PermissionKindAllowOnce    = "allow_once"
	PermissionKindAllowAlways  = "allow_always"
	PermissionKindRejectOnce   = "reject_once"
	PermissionKindRejectAlways = "reject_always"
)

// Permission outcome discriminators.
const (
	PermissionOutcomeSelected  = "selected"
	PermissionOutcomeCancelled = "cancelled"
)

// PermissionOption is one answer the client may pick.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionParams is the agent -> client permission request.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallStart      `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the user's decision.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult is the client's reply.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}
