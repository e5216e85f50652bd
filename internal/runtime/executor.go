package runtime

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/hooks"
	"github.com/amplifier/amplifier/internal/tracing"
)

// ApprovalRequest is what the executor hands the permission layer when a
// hook answers ask_user.
type ApprovalRequest struct {
	SessionID string
	Prompt    string
	Options   []string
	Timeout   time.Duration
	Default   string // "allow" or "deny"
}

// Approver resolves an approval question to the chosen option text. It
// must not return an error for timeouts; those resolve to the default.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (string, error)
}

// EmitFunc routes one lifecycle event through the session pipeline: the
// client-facing update stream and the hook bus. The returned result is the
// gating verdict for events like tool:pre, nil otherwise.
type EmitFunc func(ctx context.Context, name string, data map[string]any) *hooks.Result

// ToolRunner executes tools the session knows how to run (delegation,
// context helpers). handled=false falls through to the scripted result.
type ToolRunner interface {
	Run(ctx context.Context, name string, args map[string]any) (result map[string]any, handled bool, err error)
}

// DefaultApprovalOptions is the option vocabulary used when an ask_user
// hook does not supply its own.
var DefaultApprovalOptions = []string{"Allow once", "Allow always", "Deny"}

// TurnInput carries everything one prompt turn needs.
type TurnInput struct {
	SessionID    string
	Provider     Provider
	SystemPrompt string
	Messages     []Message
	TextPrompt   string
	Config       map[string]any
	Emit         EmitFunc
	Approver     Approver
	Tools        ToolRunner
	Cancelled    func() bool
}

// TurnResult is the outcome of one prompt turn.
type TurnResult struct {
	StopReason string
	Assistant  Message
	Requests   int
}

// Executor runs prompt turns: it pulls provider events, forwards them
// through the session pipeline, mediates tool execution, and stops at the
// first cancellation boundary after session/cancel.
type Executor struct {
	logger          *logger.Logger
	maxTurnRequests int
	approvalTimeout time.Duration
}

// NewExecutor creates an executor. maxTurnRequests of zero means
// unlimited; approvalTimeout is the fallback permission wait.
func NewExecutor(log *logger.Logger, maxTurnRequests int, approvalTimeout time.Duration) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		logger:          log,
		maxTurnRequests: maxTurnRequests,
		approvalTimeout: approvalTimeout,
	}
}

// RunTurn executes one prompt turn to completion. Failures never surface
// as errors: they end the turn with the matching stop reason after a final
// update carrying the error text.
func (e *Executor) RunTurn(ctx context.Context, in TurnInput) TurnResult {
	ctx, span := tracing.StartTurn(ctx, in.Provider.Name(), in.SessionID)
	result := e.runTurn(ctx, in)
	tracing.EndTurn(span, result.StopReason, result.Requests)
	return result
}

func (e *Executor) runTurn(ctx context.Context, in TurnInput) TurnResult {
	var text strings.Builder
	requests := 0

	req := Request{
		SessionID:    in.SessionID,
		SystemPrompt: in.SystemPrompt,
		Messages:     in.Messages,
		TextPrompt:   in.TextPrompt,
		Config:       in.Config,
	}

	for {
		if stop := e.checkCancelled(ctx, in); stop != "" {
			return e.finish(stop, &text, requests)
		}

		requests++
		if e.maxTurnRequests > 0 && requests > e.maxTurnRequests {
			e.logger.Warn("Turn request budget exhausted",
				zap.String("session_id", in.SessionID),
				zap.Int("max_turn_requests", e.maxTurnRequests))
			return e.finish(StopMaxTurnRequests, &text, requests-1)
		}

		events, turn, err := in.Provider.Complete(ctx, req)
		if err != nil {
			in.Emit(ctx, "content", map[string]any{"text": "Error: " + err.Error()})
			return e.finish(StopError, &text, requests)
		}

		for event := range events {
			if stop := e.checkCancelled(ctx, in); stop != "" {
				go drain(events)
				return e.finish(stop, &text, requests)
			}

			switch event.Name {
			case "tool:request":
				e.runTool(ctx, in, event.Data)
			default:
				collectText(&text, event)
				in.Emit(ctx, event.Name, event.Data)
			}
		}

		result := turn()
		if result.Err != nil {
			in.Emit(ctx, "content", map[string]any{"text": "Error: " + result.Err.Error()})
			return e.finish(StopError, &text, requests)
		}

		switch result.StopReason {
		case stopContinue:
			continue
		case "":
			return e.finish(StopEndTurn, &text, requests)
		default:
			return e.finish(result.StopReason, &text, requests)
		}
	}
}

func (e *Executor) checkCancelled(ctx context.Context, in TurnInput) string {
	if in.Cancelled != nil && in.Cancelled() {
		return StopCancelled
	}
	if ctx.Err() != nil {
		return StopCancelled
	}
	return ""
}

func (e *Executor) finish(stop string, text *strings.Builder, requests int) TurnResult {
	result := TurnResult{StopReason: stop, Requests: requests}
	if text.Len() > 0 {
		result.Assistant = Message{
			Role:      "assistant",
			Content:   []Block{NewTextBlock(text.String())},
			Timestamp: time.Now().UTC(),
		}
	}
	return result
}

// runTool mediates one tool invocation: tool:pre gates it through the
// hooks (and the permission layer on ask_user), then tool:post or
// tool:error reports how it went.
func (e *Executor) runTool(ctx context.Context, in TurnInput, data map[string]any) {
	callID, _ := data["call_id"].(string)
	toolName, _ := data["tool_name"].(string)
	args, _ := data["arguments"].(map[string]any)

	verdict := in.Emit(ctx, "tool:pre", map[string]any{
		"call_id":   callID,
		"tool_name": toolName,
		"arguments": args,
	})

	allowed := true
	reason := ""
	if verdict != nil {
		switch verdict.Decision {
		case hooks.DecisionDeny:
			allowed = false
			reason = verdict.Reason
			if reason == "" {
				reason = "Permission denied"
			}
		case hooks.DecisionAsk:
			allowed, reason = e.askUser(ctx, in, toolName, verdict)
		}
	}

	if !allowed {
		in.Emit(ctx, "tool:error", map[string]any{
			"call_id":   callID,
			"tool_name": toolName,
			"error":     reason,
		})
		return
	}

	if in.Tools != nil {
		result, handled, err := in.Tools.Run(ctx, toolName, args)
		if handled {
			if err != nil {
				in.Emit(ctx, "tool:error", map[string]any{
					"call_id":   callID,
					"tool_name": toolName,
					"error":     err.Error(),
				})
				return
			}
			in.Emit(ctx, "tool:post", map[string]any{
				"call_id":   callID,
				"tool_name": toolName,
				"result":    anyMap(result),
			})
			return
		}
	}

	if errText, ok := data["error"].(string); ok && errText != "" {
		in.Emit(ctx, "tool:error", map[string]any{
			"call_id":   callID,
			"tool_name": toolName,
			"error":     errText,
		})
		return
	}

	in.Emit(ctx, "tool:post", map[string]any{
		"call_id":   callID,
		"tool_name": toolName,
		"result":    anyMap(data["result"]),
	})
}

func anyMap(v any) any {
	switch m := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if m == nil {
			return map[string]any{}
		}
	}
	return v
}

func (e *Executor) askUser(ctx context.Context, in TurnInput, toolName string, verdict *hooks.Result) (bool, string) {
	if in.Approver == nil {
		return verdict.Default != "deny", "no approver configured"
	}

	prompt := verdict.Prompt
	if prompt == "" {
		prompt = "Allow tool \"" + toolName + "\"?"
	}
	options := verdict.Options
	if len(options) == 0 {
		options = DefaultApprovalOptions
	}
	timeout := e.approvalTimeout
	if verdict.Timeout > 0 {
		timeout = time.Duration(verdict.Timeout) * time.Second
	}
	fallback := verdict.Default
	if fallback == "" {
		fallback = "allow"
	}

	chosen, err := in.Approver.RequestApproval(ctx, ApprovalRequest{
		SessionID: in.SessionID,
		Prompt:    prompt,
		Options:   options,
		Timeout:   timeout,
		Default:   fallback,
	})
	if err != nil {
		e.logger.Warn("Approval request failed",
			zap.String("session_id", in.SessionID),
			zap.String("tool", toolName),
			zap.Error(err))
		return false, "Permission request failed: " + err.Error()
	}
	tracing.TraceApproval(ctx, in.SessionID, toolName, chosen)

	if OptionAllows(chosen) {
		return true, ""
	}
	return false, "Permission denied: " + chosen
}

// OptionAllows reports whether a chosen option text means "proceed".
func OptionAllows(option string) bool {
	lower := strings.ToLower(option)
	return strings.Contains(lower, "allow") || strings.Contains(lower, "yes")
}

func collectText(text *strings.Builder, event Event) {
	switch event.Name {
	case "content_block:delta", "content_block:end", "content", "assistant_message", "text":
		if s, ok := event.Data["text"].(string); ok {
			text.WriteString(s)
		}
	}
}

func drain(events <-chan Event) {
	for range events {
	}
}
