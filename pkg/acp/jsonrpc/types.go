// Package jsonrpc implements the JSON-RPC 2.0 framing used by ACP
// (Agent Client Protocol): single-line frames, request/response/notification
// classification, and the standard error codes.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version this package speaks.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP methods.
const (
	// Client -> Agent
	MethodInitialize     = "initialize"
	MethodAuthenticate   = "authenticate"
	MethodSessionNew     = "session/new"
	MethodSessionLoad    = "session/load"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionCancel  = "session/cancel"
	MethodSessionSetMode = "session/set_mode"
	MethodSessionClose   = "session/close"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"

	// Agent -> Client requests (require a response)
	MethodRequestPermission = "session/request_permission"

	// Client-side filesystem and terminal methods. An agent endpoint never
	// serves these; they are listed so dispatch tables and tests can name them.
	MethodFsReadTextFile  = "fs/read_text_file"
	MethodFsWriteTextFile = "fs/write_text_file"
)

// Message is the decoded form of one JSON-RPC frame. Exactly one of the
// three shapes is valid:
//
//	request:      ID set, Method set
//	response:     ID set, Method empty, Result xor Error set
//	notification: ID nil, Method set
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON emits responses with an explicit id (null for parse errors,
// as JSON-RPC 2.0 requires) and omits the id on notifications.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Result != nil || m.Error != nil {
		type response struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      *ID             `json:"id"`
			Result  json.RawMessage `json:"result,omitempty"`
			Error   *Error          `json:"error,omitempty"`
		}
		return json.Marshal(response{m.JSONRPC, m.ID, m.Result, m.Error})
	}
	type message struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *ID             `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	return json.Marshal(message{m.JSONRPC, m.ID, m.Method, m.Params})
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsResponse reports whether the message is a response to an earlier request.
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// IsNotification reports whether the message is a fire-and-forget notification.
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

// NewError builds an Error with no data payload.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithKind builds a domain error whose data payload carries a kind
// discriminator, e.g. {"kind":"invalid_mode"}.
func NewErrorWithKind(code int, message, kind string) *Error {
	data, _ := json.Marshal(map[string]string{"kind": kind})
	return &Error{Code: code, Message: message, Data: data}
}

// NewRequest builds a request message. params may be nil.
func NewRequest(id ID, method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message. params may be nil.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response paired with the request id.
func NewResponse(id *ID, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response. id may be nil (parse errors
// respond with id null per JSON-RPC 2.0).
func NewErrorResponse(id *ID, rpcErr *Error) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
