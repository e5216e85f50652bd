package permission

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/internal/acp/toolcall"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

type fakeRequester struct {
	calls    int
	lastReq  protocol.RequestPermissionParams
	optionID string
	err      error
	block    bool
}

func (f *fakeRequester) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.calls++
	if p, ok := params.(protocol.RequestPermissionParams); ok {
		f.lastReq = p
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	result := protocol.RequestPermissionResult{
		Outcome: protocol.PermissionOutcome{
			Outcome:  protocol.PermissionOutcomeSelected,
			OptionID: f.optionID,
		},
	}
	return json.Marshal(result)
}

func approvalReq(sessionID string) runtime.ApprovalRequest {
	return runtime.ApprovalRequest{
		SessionID: sessionID,
		Prompt:    "Allow tool \"bash\"?",
		Options:   []string{"Allow once", "Allow always", "Deny"},
		Timeout:   time.Second,
		Default:   "deny",
	}
}

func TestAllowOnceIsNotCached(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_0"}
	bridge := NewBridge(requester, nil)

	chosen, err := bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)
	assert.Equal(t, "Allow once", chosen)
	assert.Equal(t, 1, requester.calls)

	// The identical question must go over the wire again.
	chosen, err = bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)
	assert.Equal(t, "Allow once", chosen)
	assert.Equal(t, 2, requester.calls)
}

func TestAllowAlwaysIsCached(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_1"}
	bridge := NewBridge(requester, nil)

	chosen, err := bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)
	assert.Equal(t, "Allow always", chosen)
	assert.Equal(t, 1, requester.calls)

	chosen, err = bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)
	assert.Equal(t, "Allow always", chosen)
	assert.Equal(t, 1, requester.calls, "cached answer must not emit an RPC")
}

func TestCacheIsScopedPerSession(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_1"}
	bridge := NewBridge(requester, nil)

	_, err := bridge.RequestApproval(context.Background(), approvalReq("sess_a"))
	require.NoError(t, err)
	_, err = bridge.RequestApproval(context.Background(), approvalReq("sess_b"))
	require.NoError(t, err)
	assert.Equal(t, 2, requester.calls)
}

func TestCacheKeyedByPromptAndOptions(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_1"}
	bridge := NewBridge(requester, nil)

	_, err := bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)

	other := approvalReq("sess")
	other.Prompt = "Allow tool \"rm\"?"
	_, err = bridge.RequestApproval(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, requester.calls, "different prompt is a different question")
}

func TestForgetSessionClearsCache(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_1"}
	bridge := NewBridge(requester, nil)

	_, err := bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)
	bridge.ForgetSession("sess")

	_, err = bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)
	assert.Equal(t, 2, requester.calls)
}

func TestTimeoutResolvesToDefault(t *testing.T) {
	requester := &fakeRequester{block: true}
	bridge := NewBridge(requester, nil)

	req := approvalReq("sess")
	req.Timeout = 50 * time.Millisecond
	req.Default = "deny"

	start := time.Now()
	chosen, err := bridge.RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Deny", chosen)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransportErrorResolvesToDefault(t *testing.T) {
	requester := &fakeRequester{err: errors.New("connection lost")}
	bridge := NewBridge(requester, nil)

	req := approvalReq("sess")
	req.Default = "allow"
	chosen, err := bridge.RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Allow once", chosen)
}

func TestInvalidOptionIDFallsBackToFirst(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_99"}
	bridge := NewBridge(requester, nil)

	chosen, err := bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)
	assert.Equal(t, "Allow once", chosen)
}

func TestWireOptionsCarryKinds(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_0"}
	bridge := NewBridge(requester, nil)

	_, err := bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)

	opts := requester.lastReq.Options
	require.Len(t, opts, 3)
	assert.Equal(t, "opt_0", opts[0].OptionID)
	assert.Equal(t, protocol.PermissionKindAllowOnce, opts[0].Kind)
	assert.Equal(t, protocol.PermissionKindAllowAlways, opts[1].Kind)
	assert.Equal(t, protocol.PermissionKindRejectOnce, opts[2].Kind)
}

func TestTrackedToolCallShapesRequest(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_0"}
	bridge := NewBridge(requester, nil)

	ctx, slot := toolcall.Install(context.Background())
	slot.Set(toolcall.Call{
		CallID:    "call_42",
		ToolName:  "bash",
		Arguments: map[string]any{"command": "make test"},
	})

	_, err := bridge.RequestApproval(ctx, approvalReq("sess"))
	require.NoError(t, err)

	tc := requester.lastReq.ToolCall
	assert.Equal(t, "call_42", tc.ToolCallID)
	assert.Equal(t, "Run: make test", tc.Title)
	assert.Equal(t, protocol.ToolKindExecute, tc.Kind)
	assert.Equal(t, protocol.ToolStatusPending, tc.Status)
	require.Len(t, tc.Content, 1)
	assert.Equal(t, "Allow tool \"bash\"?", tc.Content[0].Content.Text)
}

func TestSyntheticToolCallWithoutTracker(t *testing.T) {
	requester := &fakeRequester{optionID: "opt_0"}
	bridge := NewBridge(requester, nil)

	_, err := bridge.RequestApproval(context.Background(), approvalReq("sess"))
	require.NoError(t, err)

	tc := requester.lastReq.ToolCall
	assert.True(t, len(tc.ToolCallID) > len("approval_"))
	assert.Contains(t, tc.ToolCallID, "approval_")
	assert.Equal(t, "Permission Required", tc.Title)
	assert.Equal(t, protocol.ToolKindOther, tc.Kind)
}

func TestOptionKindLongestPatternWins(t *testing.T) {
	cases := map[string]string{
		"Allow once":        protocol.PermissionKindAllowOnce,
		"Allow always":      protocol.PermissionKindAllowAlways,
		"Allow session":     protocol.PermissionKindAllowAlways,
		"Deny always":       protocol.PermissionKindRejectAlways,
		"Deny once":         protocol.PermissionKindRejectOnce,
		"Allow":             protocol.PermissionKindAllowOnce,
		"Yes":               protocol.PermissionKindAllowOnce,
		"Deny":              protocol.PermissionKindRejectOnce,
		"No":                protocol.PermissionKindRejectOnce,
		"Reject":            protocol.PermissionKindRejectOnce,
		"Proceed anyway":    protocol.PermissionKindAllowOnce,
		"Yes, allow always": protocol.PermissionKindAllowAlways,
	}
	for text, want := range cases {
		assert.Equal(t, want, OptionKind(text), text)
	}
}

func TestDefaultOptionResolver(t *testing.T) {
	options := []string{"Allow once", "Allow always", "Deny"}
	assert.Equal(t, "Allow once", DefaultOption(options, "allow"))
	assert.Equal(t, "Deny", DefaultOption(options, "deny"))

	// Positional fallbacks when no text matches.
	neutral := []string{"First", "Second", "Third"}
	assert.Equal(t, "First", DefaultOption(neutral, "allow"))
	assert.Equal(t, "Third", DefaultOption(neutral, "deny"))

	assert.Equal(t, "", DefaultOption(nil, "allow"))
}

func TestCacheKeyStability(t *testing.T) {
	a := CacheKey("prompt", []string{"x", "y"})
	b := CacheKey("prompt", []string{"x", "y"})
	assert.Equal(t, a, b)

	c := CacheKey("prompt", []string{"y", "x"})
	assert.NotEqual(t, a, c, "option order is part of the question identity")

	d := CacheKey("other prompt", []string{"x", "y"})
	assert.NotEqual(t, a, d)
}
