package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/events"
	"github.com/amplifier/amplifier/internal/events/bus"
)

// sseKeepalive is how often an idle stream emits a comment line so proxies
// keep the connection open.
const sseKeepalive = 30 * time.Second

// sseBuffer is the per-connection event queue; a consumer that falls this
// far behind starts losing events.
const sseBuffer = 256

// SSEStream serves bus events over Server-Sent Events. Each connection gets
// its own bus subscription: all sessions by default, one session when
// ?session_id= is given.
type SSEStream struct {
	events bus.EventBus
	logger *logger.Logger
}

// NewSSEStream creates the SSE endpoint over the given bus.
func NewSSEStream(eventBus bus.EventBus, log *logger.Logger) *SSEStream {
	if log == nil {
		log = logger.Default()
	}
	return &SSEStream{
		events: eventBus,
		logger: log.WithFields(zap.String("component", "sse_stream")),
	}
}

// Handle streams events until the client goes away.
func (s *SSEStream) Handle(c *gin.Context) {
	if s.events == nil || !s.events.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus unavailable"})
		return
	}

	sessionID := c.Query("session_id")
	frames := make(chan []byte, sseBuffer)

	// Bus handlers run synchronously with Publish, so delivery hands off to
	// the channel and drops when the consumer lags.
	deliver := func(ctx context.Context, event *bus.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return nil
		}
		select {
		case frames <- data:
		default:
			s.logger.Warn("Dropping event for slow SSE consumer",
				zap.String("session_id", sessionID))
		}
		return nil
	}

	var subjects []string
	if sessionID != "" {
		subjects = []string{events.BuildSessionWildcardSubject(sessionID)}
	} else {
		subjects = []string{
			events.BuildSessionUpdatesWildcardSubject(),
			events.BuildSessionLifecycleWildcardSubject(),
		}
	}

	var subs []bus.Subscription
	for _, subject := range subjects {
		sub, err := s.events.Subscribe(subject, deliver)
		if err != nil {
			s.logger.Error("SSE subscription failed", zap.String("subject", subject), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribing to events"})
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

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
		case frame := <-frames:
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
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
