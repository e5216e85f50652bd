package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/pkg/acp/jsonrpc"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// wsHarness drives one client socket against a served WebSocket transport,
// demultiplexing what comes back the same way the stdio harness does.
type wsHarness struct {
	t    *testing.T
	conn *websocket.Conn

	mu      sync.Mutex
	updates []protocol.SessionNotification
	pending map[string]chan *jsonrpc.Message

	requests  chan *jsonrpc.Message
	closeCode chan int
	nextID    int64
}

func dialWS(t *testing.T, env *testEnv, serverCtx context.Context) *wsHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	NewWebSocket(serverCtx, env.factory, env.logger).Register(router.Group("/acp"))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/acp/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	h := &wsHarness{
		t:         t,
		conn:      conn,
		pending:   make(map[string]chan *jsonrpc.Message),
		requests:  make(chan *jsonrpc.Message, 16),
		closeCode: make(chan int, 1),
	}
	go h.readLoop()
	return h
}

func (h *wsHarness) readLoop() {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			code := -1
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			select {
			case h.closeCode <- code:
			default:
			}
			return
		}

		msg, err := jsonrpc.DecodeFrame(data)
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
		case msg.IsNotification():
			if msg.Method != jsonrpc.NotificationSessionUpdate {
				continue
			}
			var n protocol.SessionNotification
			if json.Unmarshal(msg.Params, &n) != nil {
				continue
			}
			h.mu.Lock()
			h.updates = append(h.updates, n)
			h.mu.Unlock()
		default:
			h.requests <- msg
		}
	}
}

func (h *wsHarness) send(msg *jsonrpc.Message) {
	h.t.Helper()
	raw, err := jsonrpc.EncodeFrame(msg)
	require.NoError(h.t, err)
	payload := strings.TrimRight(string(raw), "\n")
	require.NoError(h.t, h.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

// call sends a request and waits for its response.
func (h *wsHarness) call(method string, params any) *jsonrpc.Message {
	h.t.Helper()
	h.mu.Lock()
	h.nextID++
	id := jsonrpc.NumberID(h.nextID)
	ch := make(chan *jsonrpc.Message, 1)
	h.pending[id.String()] = ch
	h.mu.Unlock()

	msg, err := jsonrpc.NewRequest(id, method, params)
	require.NoError(h.t, err)
	h.send(msg)

	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		h.t.Fatalf("timed out waiting for response to %s", method)
		return nil
	}
}

func (h *wsHarness) initialize() {
	h.t.Helper()
	resp := h.call(jsonrpc.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
	})
	require.Nil(h.t, resp.Error)
}

func (h *wsHarness) newSession(meta map[string]any) string {
	h.t.Helper()
	var raw json.RawMessage
	if meta != nil {
		encoded, err := json.Marshal(meta)
		require.NoError(h.t, err)
		raw = encoded
	}
	resp := h.call(jsonrpc.MethodSessionNew, protocol.SessionNewParams{
		Cwd:  "/tmp",
		Meta: raw,
	})
	require.Nil(h.t, resp.Error)
	var created protocol.SessionNewResult
	require.NoError(h.t, json.Unmarshal(resp.Result, &created))
	return created.SessionID
}

func (h *wsHarness) agentText(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var text strings.Builder
	for _, n := range h.updates {
		if n.SessionID == sessionID && n.Update.AgentMessageChunk != nil {
			text.WriteString(n.Update.AgentMessageChunk.Content.Text)
		}
	}
	return text.String()
}

func TestWebSocket_FullConversation(t *testing.T) {
	env := newTestEnv(t)
	h := dialWS(t, env, context.Background())

	h.initialize()
	sessionID := h.newSession(nil)

	resp := h.call(jsonrpc.MethodSessionPrompt, protocol.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock("over the socket")},
	})
	require.Nil(t, resp.Error)

	var result protocol.SessionPromptResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, protocol.StopReasonEndTurn, result.StopReason)
	assert.Contains(t, h.agentText(sessionID), "over the socket")
}

func TestWebSocket_PermissionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.writeBundle("gated", gatedScriptBundle)
	h := dialWS(t, env, context.Background())

	h.initialize()
	sessionID := h.newSession(map[string]any{"bundle": "gated"})

	done := make(chan *jsonrpc.Message, 1)
	go func() {
		h.mu.Lock()
		h.nextID++
		id := jsonrpc.NumberID(h.nextID)
		ch := make(chan *jsonrpc.Message, 1)
		h.pending[id.String()] = ch
		h.mu.Unlock()

		msg, err := jsonrpc.NewRequest(id, jsonrpc.MethodSessionPrompt, protocol.SessionPromptParams{
			SessionID: sessionID,
			Prompt:    []protocol.ContentBlock{protocol.TextBlock("run it")},
		})
		if err != nil {
			t.Error(err)
			return
		}
		h.send(msg)
		done <- <-ch
	}()

	select {
	case req := <-h.requests:
		require.Equal(t, jsonrpc.MethodRequestPermission, req.Method)
		var params protocol.RequestPermissionParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		require.NotEmpty(t, params.Options)

		reply, err := jsonrpc.NewResponse(req.ID, protocol.RequestPermissionResult{
			Outcome: protocol.PermissionOutcome{
				Outcome:  protocol.PermissionOutcomeSelected,
				OptionID: params.Options[0].OptionID,
			},
		})
		require.NoError(t, err)
		h.send(reply)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for permission request")
	}

	select {
	case resp := <-done:
		require.Nil(t, resp.Error)
		var result protocol.SessionPromptResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.Equal(t, protocol.StopReasonEndTurn, result.StopReason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for prompt to finish")
	}
}

func TestWebSocket_DisconnectReleasesSessions(t *testing.T) {
	env := newTestEnv(t)
	h := dialWS(t, env, context.Background())

	h.initialize()
	h.newSession(nil)
	require.Len(t, env.manager.ActiveIDs(), 1)

	h.conn.Close()

	require.Eventually(t, func() bool {
		return len(env.manager.ActiveIDs()) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocket_ServerShutdownSendsNormalClose(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	h := dialWS(t, env, ctx)

	h.initialize()
	cancel()

	select {
	case code := <-h.closeCode:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close frame")
	}
}

func TestWebSocket_SocketsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	first := dialWS(t, env, context.Background())
	second := dialWS(t, env, context.Background())

	first.initialize()

	// The second socket never initialized, so session methods are refused
	// there even though the first one is ready.
	resp := second.call(jsonrpc.MethodSessionNew, protocol.SessionNewParams{Cwd: "/tmp"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InvalidRequest, resp.Error.Code)

	first.newSession(nil)
	require.Len(t, env.manager.ActiveIDs(), 1)
}
