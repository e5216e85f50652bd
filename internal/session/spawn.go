package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/toolcall"
	"github.com/amplifier/amplifier/internal/bundle"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/hooks"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// SpawnRequest asks for a child agent run on behalf of a parent session.
type SpawnRequest struct {
	AgentName    string
	Instruction  string
	Parent       *Session
	SubSessionID string
}

// SpawnManager runs child agent sessions for delegation tools. The child's
// streaming events are re-emitted on the parent's hook bus, annotated with
// the child id and the tool call that spawned it.
type SpawnManager struct {
	sessions *Manager
	logger   *logger.Logger

	mu   sync.Mutex
	live map[string]*Session
}

// NewSpawnManager builds a spawn manager on top of the session manager.
func NewSpawnManager(sessions *Manager, log *logger.Logger) *SpawnManager {
	return &SpawnManager{
		sessions: sessions,
		logger:   log,
		live:     make(map[string]*Session),
	}
}

// NewSubSessionID mints a child session id.
func NewSubSessionID() string {
	return "sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Spawn runs one child turn: fork, forward, prompt, join. The returned map
// is the delegation tool's result.
func (sm *SpawnManager) Spawn(ctx context.Context, req SpawnRequest) (map[string]any, error) {
	parent := req.Parent

	childID := req.SubSessionID
	if childID == "" {
		childID = NewSubSessionID()
	}
	agentName := req.AgentName
	if agentName == "" {
		agentName = bundle.Foundation
	}

	parentToolCallID := ""
	if call, ok := toolcall.Current(ctx); ok {
		parentToolCallID = call.CallID
	}

	child, err := sm.sessions.Create(ctx, CreateOptions{
		ID:           childID,
		Cwd:          parent.Cwd,
		Bundle:       agentName,
		ParentID:     parent.ID,
		NestingDepth: parent.NestingDepth + 1,
	})
	if err != nil {
		return nil, err
	}

	sm.track(child)
	defer sm.untrack(childID)

	parent.Hooks().Emit(ctx, "session:fork", parent.ID, map[string]any{
		"parent_id":           parent.ID,
		"child_id":            childID,
		"parent_tool_call_id": parentToolCallID,
		"agent":               agentName,
	})

	child.Hooks().On(hooks.Wildcard, "spawn-forwarder", 1000, func(ctx context.Context, e hooks.Event) (*hooks.Result, error) {
		if !forwardable(e.Name) {
			return nil, nil
		}
		data := make(map[string]any, len(e.Data)+4)
		for k, v := range e.Data {
			data[k] = v
		}
		data["child_session_id"] = childID
		data["parent_tool_call_id"] = parentToolCallID
		data["agent_name"] = agentName
		data["nesting_depth"] = child.NestingDepth
		parent.Hooks().Emit(ctx, e.Name, parent.ID, data)
		return nil, nil
	})

	sm.logger.Info("Spawning child agent",
		zap.String("parent_id", parent.ID),
		zap.String("child_id", childID),
		zap.String("agent", agentName))

	stopReason, promptErr := child.Prompt(ctx, []protocol.ContentBlock{
		protocol.TextBlock(req.Instruction),
	})

	output := lastAssistantText(child)

	status := "success"
	if promptErr != nil || stopReason != runtime.StopEndTurn {
		status = "error"
	}

	join := map[string]any{
		"parent_id":   parent.ID,
		"child_id":    childID,
		"status":      status,
		"stop_reason": stopReason,
	}
	if promptErr != nil {
		join["error"] = promptErr.Error()
	}
	parent.Hooks().Emit(ctx, "session:join", parent.ID, join)

	if err := sm.sessions.Close(childID); err != nil {
		sm.logger.Warn("Closing child session failed",
			zap.String("child_id", childID),
			zap.Error(err))
	}

	if promptErr != nil {
		return nil, promptErr
	}
	return map[string]any{
		"session_id":  childID,
		"status":      status,
		"stop_reason": stopReason,
		"output":      output,
	}, nil
}

// CancelSpawn interrupts a live child run. Returns false when the child is
// not running.
func (sm *SpawnManager) CancelSpawn(childID string) bool {
	sm.mu.Lock()
	child, ok := sm.live[childID]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	child.Cancel()
	return true
}

// LiveCount reports the number of child runs in flight.
func (sm *SpawnManager) LiveCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

func (sm *SpawnManager) track(child *Session) {
	sm.mu.Lock()
	sm.live[child.ID] = child
	sm.mu.Unlock()
}

func (sm *SpawnManager) untrack(childID string) {
	sm.mu.Lock()
	delete(sm.live, childID)
	sm.mu.Unlock()
}

func forwardable(event string) bool {
	return strings.HasPrefix(event, "content_block:") || strings.HasPrefix(event, "tool:")
}

func lastAssistantText(s *Session) string {
	messages := s.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Text()
		}
	}
	return ""
}
