package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/pkg/acp/jsonrpc"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type recordingWriter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *recordingWriter) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	w.frames = append(w.frames, copied)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *recordingWriter) message(t *testing.T, i int) *jsonrpc.Message {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Less(t, i, len(w.frames))
	msg, err := jsonrpc.DecodeFrame(w.frames[i])
	require.NoError(t, err)
	return msg
}

// handlerFunc adapts a function to the Handler interface.
type handlerFunc func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error)

func (f handlerFunc) Handle(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
	return f(ctx, conn, method, params)
}

func encodeRequest(t *testing.T, id int64, method string, params any) []byte {
	t.Helper()
	msg, err := jsonrpc.NewRequest(jsonrpc.NumberID(id), method, params)
	require.NoError(t, err)
	raw, err := jsonrpc.EncodeFrame(msg)
	require.NoError(t, err)
	return raw
}

func encodeNotification(t *testing.T, method string, params any) []byte {
	t.Helper()
	msg, err := jsonrpc.NewNotification(method, params)
	require.NoError(t, err)
	raw, err := jsonrpc.EncodeFrame(msg)
	require.NoError(t, err)
	return raw
}

func TestProcess_RequestResponse(t *testing.T) {
	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		return map[string]string{"echo": method}, nil
	})
	conn := New(&recordingWriter{}, handler, newTestLogger(t))

	out, ok := conn.Process(context.Background(), encodeRequest(t, 1, "ping", nil))
	require.True(t, ok)

	resp, err := jsonrpc.DecodeFrame(out)
	require.NoError(t, err)
	require.NotNil(t, resp.ID)
	assert.True(t, resp.ID.Equal(jsonrpc.NumberID(1)))
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"echo":"ping"}`, string(resp.Result))
}

func TestProcess_NotificationHasNoResponse(t *testing.T) {
	called := make(chan struct{}, 1)
	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		called <- struct{}{}
		return nil, nil
	})
	conn := New(&recordingWriter{}, handler, newTestLogger(t))

	out, ok := conn.Process(context.Background(), encodeNotification(t, "session/cancel", map[string]string{"sessionId": "sess_x"}))
	assert.False(t, ok)
	assert.Nil(t, out)

	select {
	case <-called:
	default:
		t.Fatal("notification did not reach the handler")
	}
}

func TestProcess_ParseError(t *testing.T) {
	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		t.Fatal("handler must not run on a parse error")
		return nil, nil
	})
	conn := New(&recordingWriter{}, handler, newTestLogger(t))

	out, ok := conn.Process(context.Background(), []byte("{not json"))
	require.True(t, ok, "parse errors still get a response")

	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Error   *jsonrpc.Error  `json:"error"`
		Result  json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Nil(t, resp.ID, "parse errors respond with id null")
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ParseError, resp.Error.Code)
}

func TestProcess_BOMTolerated(t *testing.T) {
	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		return "ok", nil
	})
	conn := New(&recordingWriter{}, handler, newTestLogger(t))

	raw := append([]byte{0xEF, 0xBB, 0xBF}, encodeRequest(t, 5, "ping", nil)...)
	out, ok := conn.Process(context.Background(), raw)
	require.True(t, ok)

	resp, err := jsonrpc.DecodeFrame(out)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
}

func TestProcess_HandlerPanicBecomesInternalError(t *testing.T) {
	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		panic("boom")
	})
	conn := New(&recordingWriter{}, handler, newTestLogger(t))

	out, ok := conn.Process(context.Background(), encodeRequest(t, 9, "explode", nil))
	require.True(t, ok)

	resp, err := jsonrpc.DecodeFrame(out)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "boom")
}

func TestHandleFrame_WritesResponse(t *testing.T) {
	writer := &recordingWriter{}
	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		return map[string]bool{"done": true}, nil
	})
	conn := New(writer, handler, newTestLogger(t))

	conn.HandleFrame(context.Background(), encodeRequest(t, 2, "work", nil))
	conn.Wait()

	require.Equal(t, 1, writer.count())
	resp := writer.message(t, 0)
	assert.True(t, resp.ID.Equal(jsonrpc.NumberID(2)))
	assert.JSONEq(t, `{"done":true}`, string(resp.Result))
}

func TestHandleFrame_SameSessionRunsInOrder(t *testing.T) {
	writer := &recordingWriter{}

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		var p struct {
			Seq int `json:"seq"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Seq == 1 {
			<-release // hold the first request until every frame is queued
		}
		mu.Lock()
		order = append(order, p.Seq)
		mu.Unlock()
		return p.Seq, nil
	})
	conn := New(writer, handler, newTestLogger(t))

	for seq := 1; seq <= 5; seq++ {
		conn.HandleFrame(context.Background(), encodeRequest(t, int64(seq), "session/prompt",
			map[string]any{"sessionId": "sess_a", "seq": seq}))
	}
	close(release)
	conn.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestHandleFrame_DistinctSessionsRunConcurrently(t *testing.T) {
	writer := &recordingWriter{}
	blockA := make(chan struct{})
	bRan := make(chan struct{})

	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(params, &p)
		switch p.SessionID {
		case "sess_a":
			<-blockA
		case "sess_b":
			close(bRan)
		}
		return nil, nil
	})
	conn := New(writer, handler, newTestLogger(t))

	conn.HandleFrame(context.Background(), encodeRequest(t, 1, "session/prompt", map[string]any{"sessionId": "sess_a"}))
	conn.HandleFrame(context.Background(), encodeRequest(t, 2, "session/prompt", map[string]any{"sessionId": "sess_b"}))

	select {
	case <-bRan:
	case <-time.After(time.Second):
		t.Fatal("request for a different session was blocked")
	}
	close(blockA)
	conn.Wait()
}

func TestHandleFrame_CancelBypassesQueue(t *testing.T) {
	writer := &recordingWriter{}
	promptStarted := make(chan struct{})
	cancelRan := make(chan struct{})

	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		switch method {
		case "session/prompt":
			close(promptStarted)
			select {
			case <-cancelRan:
			case <-time.After(2 * time.Second):
				t.Error("cancel never ran while the prompt held the session queue")
			}
		case "session/cancel":
			close(cancelRan)
		}
		return nil, nil
	})
	conn := New(writer, handler, newTestLogger(t))

	conn.HandleFrame(context.Background(), encodeRequest(t, 1, "session/prompt", map[string]any{"sessionId": "sess_a"}))
	<-promptStarted
	conn.HandleFrame(context.Background(), encodeNotification(t, "session/cancel", map[string]any{"sessionId": "sess_a"}))
	conn.Wait()
}

func TestSendRequest_CorrelatesResponse(t *testing.T) {
	writer := &recordingWriter{}
	conn := New(writer, handlerFunc(func(context.Context, *Conn, string, json.RawMessage) (any, *jsonrpc.Error) {
		return nil, nil
	}), newTestLogger(t))

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := conn.SendRequest(context.Background(), "session/request_permission", map[string]string{"q": "ok?"})
		done <- result{raw, err}
	}()

	// Wait for the outbound request frame, then answer it.
	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)
	req := writer.message(t, 0)
	assert.Equal(t, "session/request_permission", req.Method)
	require.NotNil(t, req.ID)

	resp, err := jsonrpc.NewResponse(req.ID, map[string]string{"answer": "yes"})
	require.NoError(t, err)
	raw, err := jsonrpc.EncodeFrame(resp)
	require.NoError(t, err)
	conn.HandleFrame(context.Background(), raw)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"answer":"yes"}`, string(r.raw))
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not resolve")
	}
}

func TestSendRequest_ErrorResponse(t *testing.T) {
	writer := &recordingWriter{}
	conn := New(writer, handlerFunc(func(context.Context, *Conn, string, json.RawMessage) (any, *jsonrpc.Error) {
		return nil, nil
	}), newTestLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), "session/request_permission", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)
	req := writer.message(t, 0)

	raw, err := jsonrpc.EncodeFrame(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.InternalError, "nope")))
	require.NoError(t, err)
	conn.HandleFrame(context.Background(), raw)

	select {
	case err := <-done:
		var rpcErr *jsonrpc.Error
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, jsonrpc.InternalError, rpcErr.Code)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not resolve")
	}
}

func TestSendRequest_ContextCancelled(t *testing.T) {
	writer := &recordingWriter{}
	conn := New(writer, handlerFunc(func(context.Context, *Conn, string, json.RawMessage) (any, *jsonrpc.Error) {
		return nil, nil
	}), newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(ctx, "session/request_permission", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not resolve after cancel")
	}
}

func TestClose_FailsPendingRequests(t *testing.T) {
	writer := &recordingWriter{}
	conn := New(writer, handlerFunc(func(context.Context, *Conn, string, json.RawMessage) (any, *jsonrpc.Error) {
		return nil, nil
	}), newTestLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), "session/request_permission", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not resolve after close")
	}

	_, err := conn.SendRequest(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestHandleFrame_UnknownResponseIgnored(t *testing.T) {
	writer := &recordingWriter{}
	conn := New(writer, handlerFunc(func(context.Context, *Conn, string, json.RawMessage) (any, *jsonrpc.Error) {
		t.Error("responses must not hit the method handler")
		return nil, nil
	}), newTestLogger(t))

	lateID := jsonrpc.NumberID(404)
	resp, err := jsonrpc.NewResponse(&lateID, "late")
	require.NoError(t, err)
	raw, err := jsonrpc.EncodeFrame(resp)
	require.NoError(t, err)

	conn.HandleFrame(context.Background(), raw)
	conn.Wait()
	assert.Equal(t, 0, writer.count())
}

func TestNotify_WritesSessionUpdate(t *testing.T) {
	writer := &recordingWriter{}
	conn := New(writer, handlerFunc(func(context.Context, *Conn, string, json.RawMessage) (any, *jsonrpc.Error) {
		return nil, nil
	}), newTestLogger(t))

	conn.Notify("sess_1", protocol.SessionUpdate{
		AgentMessageChunk: &protocol.MessageChunk{Content: protocol.TextBlock("hi")},
	})

	require.Equal(t, 1, writer.count())
	msg := writer.message(t, 0)
	assert.Equal(t, jsonrpc.NotificationSessionUpdate, msg.Method)
	assert.Nil(t, msg.ID)

	var n protocol.SessionNotification
	require.NoError(t, json.Unmarshal(msg.Params, &n))
	assert.Equal(t, "sess_1", n.SessionID)
	require.NotNil(t, n.Update.AgentMessageChunk)
	assert.Equal(t, "hi", n.Update.AgentMessageChunk.Content.Text)
}

func TestConcurrentTraffic(t *testing.T) {
	writer := &recordingWriter{}
	handler := handlerFunc(func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		return method, nil
	})
	conn := New(writer, handler, newTestLogger(t))

	frames := make([][]byte, 20)
	for i := range frames {
		sess := fmt.Sprintf("sess_%d", i%4)
		frames[i] = encodeRequest(t, int64(i+1), "session/prompt",
			map[string]any{"sessionId": sess, "seq": i})
	}

	var wg sync.WaitGroup
	for _, frame := range frames {
		wg.Add(1)
		go func(frame []byte) {
			defer wg.Done()
			conn.HandleFrame(context.Background(), frame)
		}(frame)
	}
	wg.Wait()
	conn.Wait()

	assert.Equal(t, 20, writer.count())
}
