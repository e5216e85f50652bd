package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/processor"
	"github.com/amplifier/amplifier/internal/common/logger"
)

// sseKeepalive is how often an idle event stream emits a comment line so
// proxies keep the connection open.
const sseKeepalive = 30 * time.Second

// HTTP serves ACP over plain HTTP: POST /rpc carries one request per call
// and GET /events is a long-lived SSE stream for the agent-to-client
// direction. Every HTTP caller shares one logical connection, so permission
// "always" answers and owned sessions span requests the way they do on a
// socket transport.
type HTTP struct {
	conn    *processor.Conn
	handler ConnHandler
	logger  *logger.Logger

	mu     sync.Mutex
	subs   map[*sseSub]struct{}
	closed bool
}

// sseSub is one attached event stream. Frames for other sessions are
// filtered out when the subscriber named a session.
type sseSub struct {
	frames    chan []byte
	sessionID string
}

// NewHTTP builds the HTTP transport with its own connection handler.
func NewHTTP(factory HandlerFactory, log *logger.Logger) *HTTP {
	if log == nil {
		log = logger.Default()
	}
	t := &HTTP{
		logger: log,
		subs:   make(map[*sseSub]struct{}),
	}
	t.handler = factory()
	t.conn = processor.New(processor.FrameWriterFunc(t.broadcast), t.handler, log)
	return t
}

// Register mounts the endpoints on the given router group.
func (t *HTTP) Register(r gin.IRouter) {
	r.POST("/rpc", t.handleRPC)
	r.GET("/events", t.handleEvents)
}

// Close tears the logical connection down: pending agent requests fail and
// every owned session is released.
func (t *HTTP) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := make([]*sseSub, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*sseSub]struct{})
	t.mu.Unlock()

	t.conn.Close()
	t.conn.Wait()
	t.handler.ReleaseAll()
	for _, sub := range subs {
		close(sub.frames)
	}
}

// broadcast fans one agent-to-client frame out to the attached event
// streams. A subscriber that cannot keep up loses frames rather than
// stalling the prompt that produced them.
func (t *HTTP) broadcast(data []byte) error {
	sessionID := frameSessionID(data)

	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		if sub.sessionID != "" && sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		frame := make([]byte, len(data))
		copy(frame, data)
		select {
		case sub.frames <- frame:
		default:
			t.logger.Warn("Dropping event for slow SSE subscriber",
				zap.String("session_id", sessionID))
		}
	}
	return nil
}

func (t *HTTP) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading request body"})
		return
	}

	out, ok := t.conn.Process(c.Request.Context(), body)
	if !ok {
		// Notifications and client responses produce no reply body.
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (t *HTTP) handleEvents(c *gin.Context) {
	sub := &sseSub{
		frames:    make(chan []byte, 256),
		sessionID: c.Query("session_id"),
	}
	if !t.attach(sub) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transport closed"})
		return
	}
	defer t.detach(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	ctx := c.Request.Context()
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.frames:
			if !ok {
				return
			}
			// Frames arrive newline-terminated; SSE wraps the bare JSON.
			payload := bytes.TrimRight(frame, "\n")
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				return
			}
			c.Writer.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (t *HTTP) attach(sub *sseSub) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.subs[sub] = struct{}{}
	return true
}

func (t *HTTP) detach(sub *sseSub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub)
}

// frameSessionID peeks at the sessionId most agent-to-client frames carry.
// Frames without one (rare) go to every subscriber.
func frameSessionID(frame []byte) string {
	var peek struct {
		Params struct {
			SessionID string `json:"sessionId"`
		} `json:"params"`
	}
	if err := json.Unmarshal(frame, &peek); err != nil {
		return ""
	}
	return peek.Params.SessionID
}
