package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/pkg/acp/jsonrpc"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// stdioHarness runs the stdio transport against in-process pipes and plays
// the editor side of the protocol.
type stdioHarness struct {
	t      *testing.T
	env    *testEnv
	input  *io.PipeWriter
	served chan error

	mu       sync.Mutex
	rawLines [][]byte
	updates  []protocol.SessionNotification
	pending  map[string]chan *jsonrpc.Message
	requests chan *jsonrpc.Message
	eof      chan struct{}
}

func startStdio(t *testing.T, env *testEnv) *stdioHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &stdioHarness{
		t:        t,
		env:      env,
		input:    inW,
		served:   make(chan error, 1),
		pending:  make(map[string]chan *jsonrpc.Message),
		requests: make(chan *jsonrpc.Message, 8),
		eof:      make(chan struct{}),
	}

	stdio := NewStdio(env.factory, StdioOptions{Input: inR, Output: outW, Logger: env.logger})
	go func() {
		h.served <- stdio.Serve(context.Background())
		outW.Close()
	}()
	go h.readLoop(outR)

	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.served:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *stdioHarness) readLoop(out io.Reader) {
	defer close(h.eof)
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		h.mu.Lock()
		h.rawLines = append(h.rawLines, line)
		h.mu.Unlock()

		msg, err := jsonrpc.DecodeFrame(line)
		if err != nil {
			continue
		}
		switch {
		case msg.Method == "":
			key := "null"
			if msg.ID != nil {
				key = msg.ID.String()
			}
			h.mu.Lock()
			ch := h.pending[key]
			delete(h.pending, key)
			h.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msg.IsNotification() && msg.Method == jsonrpc.NotificationSessionUpdate:
			var n protocol.SessionNotification
			if json.Unmarshal(msg.Params, &n) == nil {
				h.mu.Lock()
				h.updates = append(h.updates, n)
				h.mu.Unlock()
			}
		case msg.IsRequest():
			h.requests <- msg
		}
	}
}

func (h *stdioHarness) send(raw []byte) {
	h.t.Helper()
	_, err := h.input.Write(append(raw, '\n'))
	require.NoError(h.t, err)
}

// expectResponse registers interest in a response id before sending, so the
// read loop can never race past it.
func (h *stdioHarness) expectResponse(key string) chan *jsonrpc.Message {
	ch := make(chan *jsonrpc.Message, 1)
	h.mu.Lock()
	h.pending[key] = ch
	h.mu.Unlock()
	return ch
}

func (h *stdioHarness) await(ch chan *jsonrpc.Message, what string) *jsonrpc.Message {
	h.t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		h.t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func (h *stdioHarness) request(id int64, method string, params any) *jsonrpc.Message {
	h.t.Helper()
	msg, err := jsonrpc.NewRequest(jsonrpc.NumberID(id), method, params)
	require.NoError(h.t, err)
	raw, err := jsonrpc.EncodeFrame(msg)
	require.NoError(h.t, err)

	ch := h.expectResponse(jsonrpc.NumberID(id).String())
	h.send(bytes.TrimRight(raw, "\n"))
	return h.await(ch, method)
}

func (h *stdioHarness) notifyAgent(method string, params any) {
	h.t.Helper()
	msg, err := jsonrpc.NewNotification(method, params)
	require.NoError(h.t, err)
	raw, err := jsonrpc.EncodeFrame(msg)
	require.NoError(h.t, err)
	h.send(bytes.TrimRight(raw, "\n"))
}

func (h *stdioHarness) initialize() {
	h.t.Helper()
	resp := h.request(1, jsonrpc.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      &protocol.Implementation{Name: "stdio-test", Version: "0.0.1"},
	})
	require.Nil(h.t, resp.Error)
}

func (h *stdioHarness) newSession(cwd string, meta json.RawMessage) string {
	h.t.Helper()
	resp := h.request(2, jsonrpc.MethodSessionNew, protocol.SessionNewParams{Cwd: cwd, Meta: meta})
	require.Nil(h.t, resp.Error, "session/new failed: %+v", resp.Error)
	var result protocol.SessionNewResult
	require.NoError(h.t, json.Unmarshal(resp.Result, &result))
	return result.SessionID
}

// promptAsync sends session/prompt and returns the response channel, for
// flows that must interact (permissions, cancel) while the prompt runs.
func (h *stdioHarness) promptAsync(id int64, sessionID string, blocks []protocol.ContentBlock) chan *jsonrpc.Message {
	h.t.Helper()
	msg, err := jsonrpc.NewRequest(jsonrpc.NumberID(id), jsonrpc.MethodSessionPrompt, protocol.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    blocks,
	})
	require.NoError(h.t, err)
	raw, err := jsonrpc.EncodeFrame(msg)
	require.NoError(h.t, err)

	ch := h.expectResponse(jsonrpc.NumberID(id).String())
	h.send(bytes.TrimRight(raw, "\n"))
	return ch
}

func (h *stdioHarness) stopReason(resp *jsonrpc.Message) string {
	h.t.Helper()
	require.Nil(h.t, resp.Error, "prompt failed: %+v", resp.Error)
	var result protocol.SessionPromptResult
	require.NoError(h.t, json.Unmarshal(resp.Result, &result))
	return result.StopReason
}

// answerPermission waits for a session/request_permission and answers it.
func (h *stdioHarness) answerPermission(optionID string) protocol.RequestPermissionParams {
	h.t.Helper()
	select {
	case req := <-h.requests:
		require.Equal(h.t, jsonrpc.MethodRequestPermission, req.Method)
		var params protocol.RequestPermissionParams
		require.NoError(h.t, json.Unmarshal(req.Params, &params))

		resp, err := jsonrpc.NewResponse(req.ID, protocol.RequestPermissionResult{
			Outcome: protocol.PermissionOutcome{
				Outcome:  protocol.PermissionOutcomeSelected,
				OptionID: optionID,
			},
		})
		require.NoError(h.t, err)
		raw, err := jsonrpc.EncodeFrame(resp)
		require.NoError(h.t, err)
		h.send(bytes.TrimRight(raw, "\n"))
		return params
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a permission request")
		return protocol.RequestPermissionParams{}
	}
}

func (h *stdioHarness) agentText(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b strings.Builder
	for _, n := range h.updates {
		if n.SessionID != sessionID {
			continue
		}
		if n.Update.AgentMessageChunk != nil {
			b.WriteString(n.Update.AgentMessageChunk.Content.Text)
		}
	}
	return b.String()
}

func (h *stdioHarness) updateCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, n := range h.updates {
		if n.SessionID == sessionID {
			count++
		}
	}
	return count
}

func TestStdio_InitializeAndPrompt(t *testing.T) {
	env := newTestEnv(t)
	h := startStdio(t, env)

	h.initialize()
	id := h.newSession("/tmp", nil)

	resp := h.request(3, jsonrpc.MethodSessionPrompt, protocol.SessionPromptParams{
		SessionID: id,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock("Say exactly 'E2E Test Success' and nothing else.")},
	})
	assert.Equal(t, protocol.StopReasonEndTurn, h.stopReason(resp))
	assert.Contains(t, h.agentText(id), "E2E Test Success")

	// Every stdout line must be valid single-line JSON.
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.rawLines)
	for _, line := range h.rawLines {
		assert.False(t, bytes.ContainsRune(line, '\n'))
		var v map[string]any
		assert.NoError(t, json.Unmarshal(line, &v), "non-JSON on stdout: %s", line)
	}
}

func TestStdio_UnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	h := startStdio(t, env)

	ch := h.expectResponse(jsonrpc.NumberID(1).String())
	h.send([]byte(`{"jsonrpc":"2.0","id":1,"method":"nope","params":{}}`))
	resp := h.await(ch, "unknown method response")

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, resp.Error.Code)
}

func TestStdio_ParseErrorGetsNullIDResponse(t *testing.T) {
	env := newTestEnv(t)
	h := startStdio(t, env)

	ch := h.expectResponse("null")
	h.send([]byte(`{"jsonrpc":"2.0",`))
	resp := h.await(ch, "parse error report")

	assert.Nil(t, resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ParseError, resp.Error.Code)
}

func TestStdio_PermissionAllowOnce(t *testing.T) {
	env := newTestEnv(t)
	env.writeBundle("gated", gatedScriptBundle)
	h := startStdio(t, env)

	h.initialize()
	id := h.newSession("/tmp", json.RawMessage(`{"bundle":"gated"}`))

	// First run: allow once.
	promptCh := h.promptAsync(3, id, []protocol.ContentBlock{protocol.TextBlock("go")})
	params := h.answerPermission("opt_0")
	assert.Equal(t, id, params.SessionID)
	require.Len(t, params.Options, 3)
	assert.Equal(t, protocol.PermissionKindAllowOnce, params.Options[0].Kind)
	assert.Equal(t, protocol.PermissionKindAllowAlways, params.Options[1].Kind)
	assert.Equal(t, protocol.PermissionKindRejectOnce, params.Options[2].Kind)
	assert.Equal(t, protocol.StopReasonEndTurn, h.stopReason(h.await(promptCh, "gated prompt")))

	// Second run: allow-once was not cached, so a fresh request arrives.
	promptCh = h.promptAsync(4, id, []protocol.ContentBlock{protocol.TextBlock("again")})
	h.answerPermission("opt_0")
	assert.Equal(t, protocol.StopReasonEndTurn, h.stopReason(h.await(promptCh, "second gated prompt")))
}

func TestStdio_PermissionAllowAlwaysCaches(t *testing.T) {
	env := newTestEnv(t)
	env.writeBundle("gated", gatedScriptBundle)
	h := startStdio(t, env)

	h.initialize()
	id := h.newSession("/tmp", json.RawMessage(`{"bundle":"gated"}`))

	promptCh := h.promptAsync(3, id, []protocol.ContentBlock{protocol.TextBlock("go")})
	h.answerPermission("opt_1") // Allow always
	assert.Equal(t, protocol.StopReasonEndTurn, h.stopReason(h.await(promptCh, "gated prompt")))

	// Second identical approval resolves from cache: no RPC arrives and the
	// prompt completes on its own.
	promptCh = h.promptAsync(4, id, []protocol.ContentBlock{protocol.TextBlock("again")})
	assert.Equal(t, protocol.StopReasonEndTurn, h.stopReason(h.await(promptCh, "cached prompt")))

	select {
	case req := <-h.requests:
		t.Fatalf("unexpected %s after allow-always", req.Method)
	default:
	}
}

func TestStdio_CancelMidStream(t *testing.T) {
	env := newTestEnv(t)
	env.writeBundle("slow", slowScriptBundle)
	h := startStdio(t, env)

	h.initialize()
	id := h.newSession("/tmp", json.RawMessage(`{"bundle":"slow"}`))

	promptCh := h.promptAsync(3, id, []protocol.ContentBlock{protocol.TextBlock("go")})

	require.Eventually(t, func() bool {
		return strings.Contains(h.agentText(id), "started")
	}, 2*time.Second, 10*time.Millisecond)

	h.notifyAgent(jsonrpc.MethodSessionCancel, protocol.SessionCancelParams{SessionID: id, Reason: "user"})

	resp := h.await(promptCh, "cancelled prompt")
	assert.Equal(t, protocol.StopReasonCancelled, h.stopReason(resp))

	// No further updates for that prompt after the response.
	settled := h.updateCount(id)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, h.updateCount(id))
	assert.NotContains(t, h.agentText(id), "never shown")
}

func TestStdio_UnsupportedImageWarns(t *testing.T) {
	env := newTestEnv(t)
	h := startStdio(t, env)

	h.initialize()
	id := h.newSession("/tmp", nil)

	resp := h.request(3, jsonrpc.MethodSessionPrompt, protocol.SessionPromptParams{
		SessionID: id,
		Prompt: []protocol.ContentBlock{
			protocol.TextBlock("describe this"),
			protocol.ImageBlock("image/bmp", "aGVsbG8="),
		},
	})
	assert.Equal(t, protocol.StopReasonEndTurn, h.stopReason(resp))

	text := h.agentText(id)
	assert.Contains(t, text, "image/bmp")
	assert.Contains(t, text, "image/png")
}

func TestStdio_EOFShutsDownCleanly(t *testing.T) {
	env := newTestEnv(t)
	h := startStdio(t, env)

	h.initialize()
	h.newSession("/tmp", nil)
	require.Len(t, env.manager.ActiveIDs(), 1)

	require.NoError(t, h.input.Close())

	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after stdin EOF")
	}
	assert.Empty(t, env.manager.ActiveIDs(), "owned sessions released on disconnect")
}

func TestStdio_BlankLinesIgnored(t *testing.T) {
	env := newTestEnv(t)
	h := startStdio(t, env)

	h.send([]byte("   "))
	h.send([]byte(""))
	h.initialize()
}
