package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Step is one scripted action. Kind selects which fields apply.
type Step struct {
	Kind string // message, thinking, tool, todo, sleep, continue, stop

	// message / thinking
	Text string

	// tool
	Tool   string
	Args   map[string]any
	Result map[string]any
	Error  string

	// todo
	Todos []map[string]any

	// sleep
	Duration time.Duration

	// stop
	Reason string
}

// ScriptProvider replays a fixed sequence of steps. It backs deterministic
// bundles and the end-to-end tests: tool steps exercise the permission
// path, sleep steps make a prompt cancellable mid-stream, and continue
// steps split a turn into several provider requests.
type ScriptProvider struct {
	steps []Step

	mu       sync.Mutex
	position map[string]int // session id → next step
}

// NewScriptProvider builds a script provider from explicit steps.
func NewScriptProvider(steps []Step) *ScriptProvider {
	return &ScriptProvider{steps: steps, position: make(map[string]int)}
}

// NewScriptProviderFromConfig parses steps out of a bundle's provider
// configuration ("steps" is a list of step maps).
func NewScriptProviderFromConfig(config map[string]any) (Provider, error) {
	rawSteps, _ := config["steps"].([]any)
	steps := make([]Step, 0, len(rawSteps))
	for i, raw := range rawSteps {
		stepMap, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("script step %d is not a map", i)
		}
		step, err := parseStep(stepMap)
		if err != nil {
			return nil, fmt.Errorf("script step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return NewScriptProvider(steps), nil
}

func parseStep(m map[string]any) (Step, error) {
	kind, _ := m["kind"].(string)
	step := Step{Kind: kind}
	switch kind {
	case "message", "thinking":
		step.Text, _ = m["text"].(string)
	case "tool":
		step.Tool, _ = m["tool"].(string)
		step.Args, _ = m["args"].(map[string]any)
		step.Result, _ = m["result"].(map[string]any)
		step.Error, _ = m["error"].(string)
	case "todo":
		items, _ := m["todos"].([]any)
		for _, item := range items {
			if todo, ok := item.(map[string]any); ok {
				step.Todos = append(step.Todos, todo)
			}
		}
	case "sleep":
		step.Duration = time.Duration(intField(m, "ms")) * time.Millisecond
	case "continue":
	case "stop":
		step.Reason, _ = m["reason"].(string)
	default:
		return Step{}, fmt.Errorf("unknown step kind %q", kind)
	}
	return step, nil
}

func (p *ScriptProvider) Name() string { return "script" }

func (p *ScriptProvider) Complete(ctx context.Context, req Request) (<-chan Event, func() Turn, error) {
	events := make(chan Event)
	turn := Turn{StopReason: StopEndTurn}

	go func() {
		defer close(events)

		for {
			step, ok := p.next(req.SessionID)
			if !ok {
				p.reset(req.SessionID)
				return
			}

			switch step.Kind {
			case "message":
				if !send(ctx, events, Event{Name: "content_block:start", Data: map[string]any{"type": "text"}}) {
					turn = Turn{StopReason: StopCancelled}
					return
				}
				if !send(ctx, events, Event{Name: "content_block:delta", Data: map[string]any{"type": "text", "text": step.Text}}) {
					turn = Turn{StopReason: StopCancelled}
					return
				}
				if !send(ctx, events, Event{Name: "content_block:end", Data: map[string]any{"type": "text"}}) {
					turn = Turn{StopReason: StopCancelled}
					return
				}

			case "thinking":
				if !send(ctx, events, Event{Name: "thinking:delta", Data: map[string]any{"text": step.Text}}) {
					turn = Turn{StopReason: StopCancelled}
					return
				}

			case "tool":
				data := map[string]any{
					"call_id":   "call_" + uuid.NewString()[:8],
					"tool_name": step.Tool,
					"arguments": step.Args,
				}
				if step.Error != "" {
					data["error"] = step.Error
				} else {
					data["result"] = step.Result
				}
				if !send(ctx, events, Event{Name: "tool:request", Data: data}) {
					turn = Turn{StopReason: StopCancelled}
					return
				}

			case "todo":
				todos := make([]any, 0, len(step.Todos))
				for _, todo := range step.Todos {
					todos = append(todos, todo)
				}
				if !send(ctx, events, Event{Name: "todo:update", Data: map[string]any{"todos": todos}}) {
					turn = Turn{StopReason: StopCancelled}
					return
				}

			case "sleep":
				select {
				case <-time.After(step.Duration):
				case <-ctx.Done():
					turn = Turn{StopReason: StopCancelled}
					return
				}

			case "continue":
				turn = Turn{StopReason: stopContinue}
				return

			case "stop":
				reason := step.Reason
				if reason == "" {
					reason = StopEndTurn
				}
				p.reset(req.SessionID)
				turn = Turn{StopReason: reason}
				return
			}
		}
	}()

	return events, func() Turn { return turn }, nil
}

// next pops the step cursor for a session.
func (p *ScriptProvider) next(sessionID string) (Step, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.position[sessionID]
	if pos >= len(p.steps) {
		return Step{}, false
	}
	p.position[sessionID] = pos + 1
	return p.steps[pos], true
}

// reset rewinds the cursor so the next prompt replays the script.
func (p *ScriptProvider) reset(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.position, sessionID)
}
