// Package session owns the live sessions: their execution state, message
// logs, hook buses, and persistence.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/convert"
	"github.com/amplifier/amplifier/internal/acp/permission"
	"github.com/amplifier/amplifier/internal/acp/stream"
	"github.com/amplifier/amplifier/internal/acp/toolcall"
	"github.com/amplifier/amplifier/internal/bundle"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/hooks"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// Session lifecycle states.
const (
	StateInitializing       = "initializing"
	StateReady              = "ready"
	StatePrompting          = "prompting"
	StateAwaitingPermission = "awaiting_permission"
	StateCancelling         = "cancelling"
	StateClosed             = "closed"
)

var (
	// ErrUnknownSession means the id names no active or persisted session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionClosed means the operation arrived after session/close.
	ErrSessionClosed = errors.New("session is closed")
	// ErrInvalidMode means session/set_mode named a mode outside the vocabulary.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrPersistenceDisabled means the operation needs a session store.
	ErrPersistenceDisabled = errors.New("persistence is disabled")
)

// Notifier delivers session/update notifications to whatever transport the
// session is attached to.
type Notifier interface {
	Notify(sessionID string, update protocol.SessionUpdate)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(sessionID string, update protocol.SessionUpdate)

// Notify implements Notifier.
func (f NotifierFunc) Notify(sessionID string, update protocol.SessionUpdate) {
	f(sessionID, update)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, protocol.SessionUpdate) {}

// Session is one conversation with exclusive execution state. At most one
// prompt runs at a time; concurrent prompt calls queue.
type Session struct {
	ID           string
	Cwd          string
	Name         string
	ParentID     string
	NestingDepth int

	bundle   *bundle.Prepared
	hooks    *hooks.Bus
	notifier Notifier
	approver runtime.Approver
	executor *runtime.Executor
	mapper   *stream.Mapper
	store    *Store // nil disables persistence
	logger   *logger.Logger
	spawner  Spawner // nil disables delegation tools

	promptMu sync.Mutex // serializes prompt turns

	mu           sync.Mutex
	state        string
	mode         string
	created      time.Time
	updated      time.Time
	turnCount    int
	messages     []runtime.Message
	cancelPrompt context.CancelFunc
	promptSlot   *toolcall.Slot
}

// Spawner delegates an instruction to a child agent. The spawn manager
// implements it; sessions only see the interface to avoid a cycle.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (map[string]any, error)
}

// Hooks exposes the session's hook bus.
func (s *Session) Hooks() *hooks.Bus { return s.hooks }

// State returns the lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the active permission mode.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []runtime.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runtime.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Metadata snapshots the persistable view of the session.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metadata{
		SessionID:       s.ID,
		Cwd:             s.Cwd,
		Name:            s.Name,
		Created:         s.created,
		Updated:         s.updated,
		TurnCount:       s.turnCount,
		State:           s.state,
		Bundle:          s.bundle.Name,
		ParentSessionID: s.ParentID,
	}
}

// SetMode switches the permission mode.
func (s *Session) SetMode(mode string) error {
	switch mode {
	case protocol.ModeDefault, protocol.ModePlan, protocol.ModeAcceptEdits, protocol.ModeBypassPermissions:
	default:
		return ErrInvalidMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.mode = mode
	s.updated = time.Now().UTC()
	return nil
}

// Prompt runs one turn: converts the content, streams updates, and returns
// the stop reason. Turns on the same session are serialized.
func (s *Session) Prompt(ctx context.Context, blocks []protocol.ContentBlock) (string, error) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	promptCtx, slot, err := s.beginPrompt(ctx)
	if err != nil {
		return "", err
	}

	prompt := convert.ContentBlocks(blocks)
	for _, warning := range prompt.Warnings {
		s.notify(protocol.SessionUpdate{
			AgentMessageChunk: &protocol.MessageChunk{Content: protocol.TextBlock(warning)},
		})
	}

	userMsg := runtime.Message{
		Role:      "user",
		Content:   prompt.Blocks,
		Timestamp: time.Now().UTC(),
	}
	s.appendMessage(userMsg)

	emit := func(ctx context.Context, name string, data map[string]any) *hooks.Result {
		return s.emitEvent(ctx, slot, name, data)
	}

	result := s.executor.RunTurn(promptCtx, runtime.TurnInput{
		SessionID:    s.ID,
		Provider:     s.bundle.Provider,
		SystemPrompt: s.bundle.SystemPrompt,
		Messages:     s.Messages(),
		TextPrompt:   prompt.TextPrompt,
		Config:       s.bundle.ProviderConfig,
		Emit:         emit,
		Approver:     &modeApprover{session: s, inner: s.currentApprover()},
		Tools:        s.toolRunner(),
		Cancelled:    s.isCancelling,
	})

	if result.Assistant.Role != "" {
		s.appendMessage(result.Assistant)
	}

	s.endPrompt()
	return result.StopReason, nil
}

// beginPrompt moves the session into prompting and installs the tool slot.
func (s *Session) beginPrompt(ctx context.Context) (context.Context, *toolcall.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, nil, ErrSessionClosed
	}

	promptCtx, cancel := context.WithCancel(ctx)
	promptCtx, slot := toolcall.Install(promptCtx)

	s.state = StatePrompting
	s.cancelPrompt = cancel
	s.promptSlot = slot
	s.updated = time.Now().UTC()
	return promptCtx, slot, nil
}

func (s *Session) endPrompt() {
	s.mu.Lock()
	if s.cancelPrompt != nil {
		s.cancelPrompt()
		s.cancelPrompt = nil
	}
	s.promptSlot = nil
	s.turnCount++
	if s.state != StateClosed {
		s.state = StateReady
	}
	s.updated = time.Now().UTC()
	s.mu.Unlock()

	s.persist()
}

// Cancel interrupts the in-flight prompt, if any. The turn ends with
// stop_reason cancelled at its next boundary.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePrompting, StateAwaitingPermission:
		s.state = StateCancelling
		if s.cancelPrompt != nil {
			s.cancelPrompt()
		}
		s.logger.Info("Session cancelling")
	}
}

func (s *Session) isCancelling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCancelling
}

// InjectContext appends a message without triggering execution.
func (s *Session) InjectContext(content []runtime.Block, role string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if role == "" {
		role = "user"
	}
	s.appendMessage(runtime.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// ClearContext strips the message log; preserveSystem keeps system rows.
func (s *Session) ClearContext(preserveSystem bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if preserveSystem {
		kept := s.messages[:0]
		for _, msg := range s.messages {
			if msg.Role == "system" {
				kept = append(kept, msg)
			}
		}
		s.messages = kept
	} else {
		s.messages = nil
	}
	s.updated = time.Now().UTC()
	s.mu.Unlock()

	s.persist()
	return nil
}

// Close ends the session. In-flight work is cancelled; persisted state
// survives.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if s.cancelPrompt != nil {
		s.cancelPrompt()
	}
	s.updated = time.Now().UTC()
	s.mu.Unlock()

	s.hooks.Emit(context.Background(), "session:close", s.ID, map[string]any{"session_id": s.ID})
	s.persist()
	s.logger.Info("Session closed")
}

// emitEvent is the session pipeline: map the event to a client update,
// apply tool-tracking effects, then run the hook bus for a verdict.
func (s *Session) emitEvent(ctx context.Context, slot *toolcall.Slot, name string, data map[string]any) *hooks.Result {
	update, effect := s.mapper.Map(hooks.Event{
		Name:      name,
		SessionID: s.ID,
		Data:      data,
		Time:      time.Now(),
	})

	switch effect.Kind {
	case stream.EffectTrack:
		slot.Set(effect.Call)
	case stream.EffectClear:
		slot.Clear()
	}

	if update != nil {
		s.notify(*update)
	}

	return s.hooks.Emit(ctx, name, s.ID, data)
}

func (s *Session) notify(update protocol.SessionUpdate) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	n.Notify(s.ID, update)
}

// Attach rebinds the session to a connection's notifier and approver, used
// when a persisted session is loaded over a new connection.
func (s *Session) Attach(notifier Notifier, approver runtime.Approver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if notifier == nil {
		notifier = noopNotifier{}
	}
	s.notifier = notifier
	s.approver = approver
}

func (s *Session) currentApprover() runtime.Approver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approver
}

func (s *Session) appendMessage(msg runtime.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendMessage(s.Cwd, s.ID, msg); err != nil {
			s.logger.Error("Persisting message failed", zap.Error(err))
		}
	}
}

func (s *Session) persist() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveMetadata(s.Metadata()); err != nil {
		s.logger.Error("Persisting metadata failed", zap.Error(err))
	}
}

// toolRunner wires the delegation tools when a spawner is configured.
func (s *Session) toolRunner() runtime.ToolRunner {
	if s.spawner == nil {
		return nil
	}
	return &sessionTools{session: s}
}

type sessionTools struct {
	session *Session
}

// Run handles spawn_agent/delegate tools; anything else falls through to
// the provider's scripted result.
func (t *sessionTools) Run(ctx context.Context, name string, args map[string]any) (map[string]any, bool, error) {
	switch name {
	case "spawn_agent", "delegate":
	default:
		return nil, false, nil
	}

	agent, _ := args["agent"].(string)
	instruction, _ := args["instruction"].(string)
	subID, _ := args["session_id"].(string)

	result, err := t.session.spawner.Spawn(ctx, SpawnRequest{
		AgentName:    agent,
		Instruction:  instruction,
		Parent:       t.session,
		SubSessionID: subID,
	})
	if err != nil {
		return nil, true, err
	}
	return result, true, nil
}

// modeApprover applies the session's permission mode before consulting the
// connection's permission bridge, and tracks the awaiting_permission state.
type modeApprover struct {
	session *Session
	inner   runtime.Approver
}

func (a *modeApprover) RequestApproval(ctx context.Context, req runtime.ApprovalRequest) (string, error) {
	mode := a.session.Mode()

	switch mode {
	case protocol.ModeBypassPermissions:
		return permission.DefaultOption(req.Options, "allow"), nil
	case protocol.ModePlan:
		if call, ok := toolcall.Current(ctx); ok {
			kind := stream.ToolKind(call.ToolName)
			if kind == protocol.ToolKindExecute || kind == protocol.ToolKindEdit {
				return permission.DefaultOption(req.Options, "deny"), nil
			}
		}
	case protocol.ModeAcceptEdits:
		if call, ok := toolcall.Current(ctx); ok {
			if stream.ToolKind(call.ToolName) == protocol.ToolKindEdit {
				return permission.DefaultOption(req.Options, "allow"), nil
			}
		}
	}

	if a.inner == nil {
		return permission.DefaultOption(req.Options, req.Default), nil
	}

	a.session.setAwaitingPermission(true)
	defer a.session.setAwaitingPermission(false)
	return a.inner.RequestApproval(ctx, req)
}

func (s *Session) setAwaitingPermission(waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if waiting {
		if s.state == StatePrompting {
			s.state = StateAwaitingPermission
		}
		return
	}
	if s.state == StateAwaitingPermission {
		s.state = StatePrompting
	}
}

// registerBundleHooks installs the hook declarations a bundle manifest
// carries.
func (s *Session) registerBundleHooks() {
	for i, spec := range s.bundle.Hooks {
		spec := spec
		event := spec.Event
		if event == "" {
			event = "tool:pre"
		}
		name := spec.Type
		if name == "" {
			name = "hook"
		}

		switch spec.Type {
		case "approval":
			s.hooks.On(event, name, 10+i, func(ctx context.Context, e hooks.Event) (*hooks.Result, error) {
				toolName, _ := e.Data["tool_name"].(string)
				if !hookMatchesTool(spec.Tools, toolName) {
					return nil, nil
				}
				return &hooks.Result{
					Decision: hooks.DecisionAsk,
					Prompt:   spec.Prompt,
					Options:  spec.Options,
					Timeout:  spec.Timeout,
					Default:  spec.Default,
				}, nil
			})
		case "log":
			log := s.logger
			s.hooks.On(event, name, 100+i, func(ctx context.Context, e hooks.Event) (*hooks.Result, error) {
				log.Debug("Hook event", zap.String("event", e.Name), zap.Any("data", e.Data))
				return nil, nil
			})
		}
	}
}

func hookMatchesTool(tools []string, toolName string) bool {
	if len(tools) == 0 {
		return true
	}
	for _, t := range tools {
		if t == toolName {
			return true
		}
	}
	return false
}
