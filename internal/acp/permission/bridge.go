// Package permission turns an "ask user" decision from a tool hook into a
// session/request_permission round-trip with the connected client, caching
// "always" answers per session.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/stream"
	"github.com/amplifier/amplifier/internal/acp/toolcall"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/pkg/acp/jsonrpc"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// Requester sends a server-to-client request and blocks for the paired
// response. The JSON-RPC processor implements it.
type Requester interface {
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// kindPatterns maps option text fragments to permission kinds. Matching
// tries longer patterns first so "allow always" wins over "allow".
var kindPatterns = map[string]string{
	"allow session": protocol.PermissionKindAllowAlways,
	"allow always":  protocol.PermissionKindAllowAlways,
	"deny always":   protocol.PermissionKindRejectAlways,
	"allow once":    protocol.PermissionKindAllowOnce,
	"deny once":     protocol.PermissionKindRejectOnce,
	"reject":        protocol.PermissionKindRejectOnce,
	"allow":         protocol.PermissionKindAllowOnce,
	"deny":          protocol.PermissionKindRejectOnce,
	"yes":           protocol.PermissionKindAllowOnce,
	"no":            protocol.PermissionKindRejectOnce,
}

var patternsByLength []string

func init() {
	patternsByLength = make([]string, 0, len(kindPatterns))
	for pattern := range kindPatterns {
		patternsByLength = append(patternsByLength, pattern)
	}
	sort.Slice(patternsByLength, func(i, j int) bool {
		if len(patternsByLength[i]) != len(patternsByLength[j]) {
			return len(patternsByLength[i]) > len(patternsByLength[j])
		}
		return patternsByLength[i] < patternsByLength[j]
	})
}

// Bridge implements runtime.Approver over an ACP connection.
type Bridge struct {
	requester Requester
	logger    *logger.Logger

	mu    sync.Mutex
	cache map[string]map[uint64]string // session id → question hash → chosen option
}

// NewBridge creates a permission bridge for one connection.
func NewBridge(requester Requester, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{
		requester: requester,
		logger:    log,
		cache:     make(map[string]map[uint64]string),
	}
}

// RequestApproval poses the approval question to the client and returns
// the chosen option text. Timeouts and transport failures resolve to the
// default decision rather than erroring; an "always" answer is cached so
// the identical question skips the round-trip next time.
func (b *Bridge) RequestApproval(ctx context.Context, req runtime.ApprovalRequest) (string, error) {
	key := CacheKey(req.Prompt, req.Options)

	if chosen, ok := b.cached(req.SessionID, key); ok {
		b.logger.Debug("Permission served from cache",
			zap.String("session_id", req.SessionID),
			zap.String("option", chosen))
		return chosen, nil
	}

	params := protocol.RequestPermissionParams{
		SessionID: req.SessionID,
		ToolCall:  b.toolCallContext(ctx, req.Prompt),
		Options:   BuildOptions(req.Options),
	}

	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	raw, err := b.requester.SendRequest(reqCtx, jsonrpc.MethodRequestPermission, params)
	if err != nil {
		chosen := DefaultOption(req.Options, req.Default)
		b.logger.Warn("Permission request unresolved, using default",
			zap.String("session_id", req.SessionID),
			zap.String("default", req.Default),
			zap.String("option", chosen),
			zap.Error(err))
		return chosen, nil
	}

	var result protocol.RequestPermissionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		chosen := DefaultOption(req.Options, req.Default)
		b.logger.Warn("Malformed permission response, using default",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return chosen, nil
	}

	if result.Outcome.Outcome != protocol.PermissionOutcomeSelected {
		chosen := DefaultOption(req.Options, req.Default)
		b.logger.Debug("Permission request cancelled by client",
			zap.String("session_id", req.SessionID),
			zap.String("option", chosen))
		return chosen, nil
	}

	chosen := b.resolveOption(req, result.Outcome.OptionID)

	if strings.Contains(strings.ToLower(chosen), "always") {
		b.store(req.SessionID, key, chosen)
	}
	return chosen, nil
}

// resolveOption maps opt_<i> back to the option text.
func (b *Bridge) resolveOption(req runtime.ApprovalRequest, optionID string) string {
	var index int
	if _, err := fmt.Sscanf(optionID, "opt_%d", &index); err == nil {
		if index >= 0 && index < len(req.Options) {
			return req.Options[index]
		}
	}
	b.logger.Warn("Permission response with invalid option id",
		zap.String("session_id", req.SessionID),
		zap.String("option_id", optionID))
	return req.Options[0]
}

// toolCallContext builds the tool_call the permission request points at:
// the tracked in-flight call when one exists, a synthetic one otherwise.
func (b *Bridge) toolCallContext(ctx context.Context, prompt string) protocol.ToolCallStart {
	content := protocol.TextToolContent(prompt)

	if call, ok := toolcall.Current(ctx); ok {
		return protocol.ToolCallStart{
			ToolCallID: call.CallID,
			Title:      stream.ToolTitle(call.ToolName, call.Arguments),
			Kind:       stream.ToolKind(call.ToolName),
			Status:     protocol.ToolStatusPending,
			RawInput:   runtime.MarshalArgs(call.Arguments),
			Content:    content,
		}
	}

	return protocol.ToolCallStart{
		ToolCallID: "approval_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Title:      "Permission Required",
		Kind:       protocol.ToolKindOther,
		Status:     protocol.ToolStatusPending,
		Content:    content,
	}
}

// ForgetSession drops every cached answer for a session.
func (b *Bridge) ForgetSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, sessionID)
}

func (b *Bridge) cached(sessionID string, key uint64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	answers, ok := b.cache[sessionID]
	if !ok {
		return "", false
	}
	chosen, ok := answers[key]
	return chosen, ok
}

func (b *Bridge) store(sessionID string, key uint64, chosen string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	answers, ok := b.cache[sessionID]
	if !ok {
		answers = make(map[uint64]string)
		b.cache[sessionID] = answers
	}
	answers[key] = chosen
}

// CacheKey hashes the approval question: the prompt plus the option texts
// in order.
func CacheKey(prompt string, options []string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	_, _ = h.Write([]byte{0})
	for _, option := range options {
		_, _ = h.Write([]byte(option))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// BuildOptions converts option texts into the wire options, deriving each
// kind from the text.
func BuildOptions(options []string) []protocol.PermissionOption {
	out := make([]protocol.PermissionOption, len(options))
	for i, text := range options {
		out[i] = protocol.PermissionOption{
			OptionID: fmt.Sprintf("opt_%d", i),
			Name:     text,
			Kind:     OptionKind(text),
		}
	}
	return out
}

// OptionKind classifies an option text, preferring longer pattern matches
// so "Allow always" is not shadowed by "allow".
func OptionKind(text string) string {
	lower := strings.ToLower(text)
	for _, pattern := range patternsByLength {
		if strings.Contains(lower, pattern) {
			return kindPatterns[pattern]
		}
	}
	return protocol.PermissionKindAllowOnce
}

// DefaultOption picks the option a timed-out or failed request resolves
// to: the first allow-ish option for default allow, the first deny-ish
// option for default deny, with positional fallbacks.
func DefaultOption(options []string, def string) string {
	if len(options) == 0 {
		return ""
	}
	if def == "deny" {
		for _, option := range options {
			lower := strings.ToLower(option)
			if strings.Contains(lower, "deny") || strings.Contains(lower, "no") {
				return option
			}
		}
		return options[len(options)-1]
	}
	for _, option := range options {
		lower := strings.ToLower(option)
		if strings.Contains(lower, "allow") || strings.Contains(lower, "yes") {
			return option
		}
	}
	return options[0]
}
