// Package handler serves the agent side of the ACP method surface: the
// initialize handshake, session lifecycle, prompting, and mode switching.
// One Handler is built per client connection; it owns the sessions that
// connection created and tears them down when the connection drops.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/permission"
	"github.com/amplifier/amplifier/internal/acp/processor"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/events"
	"github.com/amplifier/amplifier/internal/events/bus"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/internal/session"
	"github.com/amplifier/amplifier/pkg/acp/jsonrpc"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// Agent identity reported in the initialize handshake.
const (
	AgentName    = "amplifier"
	AgentTitle   = "Amplifier"
	AgentVersion = "0.3.0"
)

// Options configures a connection handler.
type Options struct {
	Sessions *session.Manager

	// Events, when set, mirrors session updates and lifecycle events onto
	// the observer bus.
	Events bus.EventBus

	// PermissionTimeout bounds permission round-trips whose hook did not
	// set its own timeout. Zero means wait for the client indefinitely.
	PermissionTimeout time.Duration

	Logger *logger.Logger
}

// Handler dispatches ACP methods for one client connection.
type Handler struct {
	sessions *session.Manager
	events   bus.EventBus
	timeout  time.Duration
	logger   *logger.Logger

	mu          sync.Mutex
	initialized bool
	bridge      *permission.Bridge
	owned       map[string]struct{}
}

// New creates a handler bound to the shared session manager.
func New(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		sessions: opts.Sessions,
		events:   opts.Events,
		timeout:  opts.PermissionTimeout,
		logger:   log,
		owned:    make(map[string]struct{}),
	}
}

// Handle implements processor.Handler.
func (h *Handler) Handle(ctx context.Context, conn *processor.Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
	switch method {
	case jsonrpc.MethodInitialize:
		return h.initialize(params)
	case jsonrpc.MethodAuthenticate:
		return h.authenticate(params)
	case jsonrpc.MethodSessionNew:
		return h.sessionNew(ctx, conn, params)
	case jsonrpc.MethodSessionLoad:
		return h.sessionLoad(ctx, conn, params)
	case jsonrpc.MethodSessionPrompt:
		return h.sessionPrompt(ctx, params)
	case jsonrpc.MethodSessionCancel:
		return h.sessionCancel(params)
	case jsonrpc.MethodSessionSetMode:
		return h.sessionSetMode(params)
	case jsonrpc.MethodSessionClose:
		return h.sessionClose(params)
	default:
		return nil, jsonrpc.NewError(jsonrpc.MethodNotFound, fmt.Sprintf("method not found: %s", method))
	}
}

// initialize answers the handshake. A protocol version other than ours is
// fatal for the connection; the client is expected to disconnect.
func (h *Handler) initialize(params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	if p.ProtocolVersion != protocol.ProtocolVersion {
		h.logger.Warn("Protocol version mismatch",
			zap.Int("client_version", p.ProtocolVersion),
			zap.Int("agent_version", protocol.ProtocolVersion))
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "protocol version mismatch")
	}

	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()

	if p.ClientInfo != nil {
		h.logger.Info("Client connected",
			zap.String("client", p.ClientInfo.Name),
			zap.String("version", p.ClientInfo.Version))
	}

	return protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		AgentInfo: protocol.Implementation{
			Name:    AgentName,
			Title:   AgentTitle,
			Version: AgentVersion,
		},
		AgentCapabilities: protocol.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: protocol.PromptCapabilities{
				Image: true,
			},
		},
		AuthMethods: []protocol.AuthMethod{},
	}, nil
}

// authenticate succeeds unconditionally; no auth methods are advertised.
func (h *Handler) authenticate(params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.AuthenticateParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	return protocol.AuthenticateResult{}, nil
}

// sessionMeta is the _meta extension accepted on session/new: bundle and
// behavior selection beyond the protocol's own fields.
type sessionMeta struct {
	Name      string   `json:"name"`
	Bundle    string   `json:"bundle"`
	Behaviors []string `json:"behaviors"`
}

func (h *Handler) sessionNew(ctx context.Context, conn *processor.Conn, params json.RawMessage) (any, *jsonrpc.Error) {
	if rpcErr := h.requireInitialized(); rpcErr != nil {
		return nil, rpcErr
	}

	var p protocol.SessionNewParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Cwd == "" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "cwd is required")
	}
	if len(p.McpServers) > 0 {
		names := make([]string, len(p.McpServers))
		for i, srv := range p.McpServers {
			names[i] = srv.Name
		}
		h.logger.Debug("Ignoring client MCP servers; outbound MCP is not wired",
			zap.Strings("servers", names))
	}

	var meta sessionMeta
	if len(p.Meta) > 0 {
		_ = json.Unmarshal(p.Meta, &meta)
	}

	s, err := h.sessions.Create(ctx, session.CreateOptions{
		Cwd:       p.Cwd,
		Name:      meta.Name,
		Bundle:    meta.Bundle,
		Behaviors: meta.Behaviors,
		Notifier:  h.notifier(conn),
		Approver:  h.approver(conn),
	})
	if err != nil {
		h.logger.Error("Session create failed", zap.String("cwd", p.Cwd), zap.Error(err))
		return nil, jsonrpc.NewError(jsonrpc.InternalError, fmt.Sprintf("creating session: %v", err))
	}

	h.own(s.ID)
	h.publishLifecycle(events.SessionCreated, s.ID, map[string]any{"cwd": s.Cwd})

	return protocol.SessionNewResult{SessionID: s.ID}, nil
}

func (h *Handler) sessionLoad(ctx context.Context, conn *processor.Conn, params json.RawMessage) (any, *jsonrpc.Error) {
	if rpcErr := h.requireInitialized(); rpcErr != nil {
		return nil, rpcErr
	}

	var p protocol.SessionLoadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.SessionID == "" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "sessionId is required")
	}

	s, err := h.sessions.Resume(ctx, p.SessionID, h.notifier(conn), h.approver(conn))
	if err != nil {
		return nil, sessionError(p.SessionID, err)
	}

	// Replay the stored conversation as update notifications before the
	// response so the client rebuilds its view in order.
	for _, msg := range s.Messages() {
		for _, update := range replayUpdates(msg) {
			conn.Notify(s.ID, update)
		}
	}

	h.own(s.ID)
	h.publishLifecycle(events.SessionResumed, s.ID, map[string]any{"cwd": s.Cwd})

	return protocol.SessionLoadResult{SessionID: s.ID, Restored: true}, nil
}

func (h *Handler) sessionPrompt(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	if rpcErr := h.requireInitialized(); rpcErr != nil {
		return nil, rpcErr
	}

	var p protocol.SessionPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if len(p.Prompt) == 0 {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "prompt must not be empty")
	}

	s, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return nil, sessionError(p.SessionID, err)
	}

	stop, err := s.Prompt(ctx, p.Prompt)
	if err != nil {
		return nil, sessionError(p.SessionID, err)
	}
	return protocol.SessionPromptResult{StopReason: stop}, nil
}

// sessionCancel handles the cancel notification. It must not wait on the
// session's request queue: the prompt it interrupts is still in there.
func (h *Handler) sessionCancel(params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.SessionCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	s, err := h.sessions.Get(p.SessionID)
	if err != nil {
		h.logger.Debug("Cancel for unknown session", zap.String("session_id", p.SessionID))
		return nil, nil
	}

	h.logger.Info("Cancelling session",
		zap.String("session_id", p.SessionID),
		zap.String("reason", p.Reason))
	s.Cancel()
	return nil, nil
}

func (h *Handler) sessionSetMode(params json.RawMessage) (any, *jsonrpc.Error) {
	if rpcErr := h.requireInitialized(); rpcErr != nil {
		return nil, rpcErr
	}

	var p protocol.SessionSetModeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	s, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return nil, sessionError(p.SessionID, err)
	}

	if err := s.SetMode(p.ModeID); err != nil {
		if errors.Is(err, session.ErrInvalidMode) {
			return nil, jsonrpc.NewErrorWithKind(jsonrpc.InvalidParams,
				fmt.Sprintf("invalid mode: %s", p.ModeID), "invalid_mode")
		}
		return nil, sessionError(p.SessionID, err)
	}

	h.logger.Info("Session mode changed",
		zap.String("session_id", p.SessionID),
		zap.String("mode", p.ModeID))
	return protocol.SessionSetModeResult{}, nil
}

func (h *Handler) sessionClose(params json.RawMessage) (any, *jsonrpc.Error) {
	if rpcErr := h.requireInitialized(); rpcErr != nil {
		return nil, rpcErr
	}

	var p protocol.SessionCloseParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	if err := h.sessions.Close(p.SessionID); err != nil {
		return nil, sessionError(p.SessionID, err)
	}

	h.disown(p.SessionID)
	h.forget(p.SessionID)
	h.publishLifecycle(events.SessionClosed, p.SessionID, nil)

	return protocol.SessionCloseResult{Closed: true}, nil
}

// ReleaseAll closes every session this connection created. Transports call
// it when the client disconnects.
func (h *Handler) ReleaseAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.owned))
	for id := range h.owned {
		ids = append(ids, id)
	}
	h.owned = make(map[string]struct{})
	bridge := h.bridge
	h.mu.Unlock()

	for _, id := range ids {
		if bridge != nil {
			bridge.ForgetSession(id)
		}
		if err := h.sessions.Close(id); err != nil {
			continue
		}
		h.publishLifecycle(events.SessionClosed, id, nil)
	}
	if len(ids) > 0 {
		h.logger.Info("Released connection sessions", zap.Int("count", len(ids)))
	}
}

// notifier fans a session's updates out to the client connection and, when
// configured, the observer bus.
func (h *Handler) notifier(conn *processor.Conn) session.Notifier {
	return session.NotifierFunc(func(sessionID string, update protocol.SessionUpdate) {
		conn.Notify(sessionID, update)
		h.publishUpdate(sessionID, update)
	})
}

// approver returns the connection's permission approver. The bridge is
// shared across the connection's sessions so "always" answers stay cached.
func (h *Handler) approver(conn *processor.Conn) runtime.Approver {
	h.mu.Lock()
	if h.bridge == nil {
		h.bridge = permission.NewBridge(conn, h.logger)
	}
	bridge := h.bridge
	h.mu.Unlock()

	if h.timeout > 0 {
		return &timeoutApprover{inner: bridge, fallback: h.timeout}
	}
	return bridge
}

func (h *Handler) requireInitialized() *jsonrpc.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return jsonrpc.NewError(jsonrpc.InvalidRequest, "initialize has not been called")
	}
	return nil
}

func (h *Handler) own(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owned[id] = struct{}{}
}

func (h *Handler) disown(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.owned, id)
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridge != nil {
		h.bridge.ForgetSession(id)
	}
}

// publishUpdate mirrors one session/update notification onto the bus in its
// wire shape.
func (h *Handler) publishUpdate(sessionID string, update protocol.SessionUpdate) {
	if h.events == nil {
		return
	}
	raw, err := json.Marshal(protocol.SessionNotification{SessionID: sessionID, Update: update})
	if err != nil {
		return
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	evt := bus.NewEvent(events.SessionUpdated, "acp", data)
	if err := h.events.Publish(context.Background(), events.BuildSessionUpdatesSubject(sessionID), evt); err != nil {
		h.logger.Debug("Publishing session update failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (h *Handler) publishLifecycle(eventType, sessionID string, extra map[string]any) {
	if h.events == nil {
		return
	}
	data := map[string]any{"session_id": sessionID}
	for k, v := range extra {
		data[k] = v
	}
	evt := bus.NewEvent(eventType, "acp", data)
	if err := h.events.Publish(context.Background(), events.BuildSessionLifecycleSubject(sessionID), evt); err != nil {
		h.logger.Debug("Publishing lifecycle event failed",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// replayUpdates converts one stored message into the updates session/load
// streams back to the client.
func replayUpdates(msg runtime.Message) []protocol.SessionUpdate {
	var updates []protocol.SessionUpdate
	for _, block := range msg.Content {
		var content protocol.ContentBlock
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			content = protocol.TextBlock(block.Text)
		case "image":
			if block.Source == nil {
				continue
			}
			content = protocol.ImageBlock(block.Source.MediaType, block.Source.Data)
		default:
			continue
		}

		chunk := &protocol.MessageChunk{Content: content}
		switch msg.Role {
		case "user":
			updates = append(updates, protocol.SessionUpdate{UserMessageChunk: chunk})
		case "assistant":
			updates = append(updates, protocol.SessionUpdate{AgentMessageChunk: chunk})
		}
	}
	return updates
}

// timeoutApprover stamps the connection-level default timeout onto approval
// requests whose hook left it unset.
type timeoutApprover struct {
	inner    runtime.Approver
	fallback time.Duration
}

func (a *timeoutApprover) RequestApproval(ctx context.Context, req runtime.ApprovalRequest) (string, error) {
	if req.Timeout <= 0 {
		req.Timeout = a.fallback
	}
	return a.inner.RequestApproval(ctx, req)
}

// invalidParams wraps an unmarshalling failure.
func invalidParams(err error) *jsonrpc.Error {
	return jsonrpc.NewError(jsonrpc.InvalidParams, fmt.Sprintf("invalid params: %v", err))
}

// sessionError maps session-layer sentinels to their wire form.
func sessionError(sessionID string, err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return jsonrpc.NewErrorWithKind(jsonrpc.InvalidParams,
			fmt.Sprintf("unknown session: %s", sessionID), "unknown_session")
	case errors.Is(err, session.ErrSessionClosed):
		return jsonrpc.NewErrorWithKind(jsonrpc.InvalidParams,
			fmt.Sprintf("session closed: %s", sessionID), "unknown_session")
	case errors.Is(err, session.ErrPersistenceDisabled):
		return jsonrpc.NewErrorWithKind(jsonrpc.InvalidParams,
			"session persistence is disabled", "unknown_session")
	default:
		return jsonrpc.NewError(jsonrpc.InternalError, err.Error())
	}
}
