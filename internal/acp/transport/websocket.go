package transport

import (
	"bytes"
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/processor"
	"github.com/amplifier/amplifier/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than wsPongWait)
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocket serves ACP full duplex: every WebSocket text message is one
// JSON-RPC frame in either direction. Each accepted socket gets its own
// handler, so the initialize gate and owned sessions are per-client.
type WebSocket struct {
	factory HandlerFactory
	logger  *logger.Logger
	ctx     context.Context
}

// NewWebSocket builds the WebSocket transport. ctx is the server's run
// context: when it ends, open sockets are closed.
func NewWebSocket(ctx context.Context, factory HandlerFactory, log *logger.Logger) *WebSocket {
	if log == nil {
		log = logger.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &WebSocket{factory: factory, logger: log, ctx: ctx}
}

// Register mounts the endpoint on the given router group.
func (t *WebSocket) Register(r gin.IRouter) {
	r.GET("/ws", t.handle)
}

func (t *WebSocket) handle(c *gin.Context) {
	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	t.serve(ws)
}

// wsWriter queues outbound frames for the write pump. The send channel is
// never closed; once the pump dies, writers fail fast instead of blocking.
type wsWriter struct {
	send chan []byte
	dead chan struct{}
}

func (w *wsWriter) WriteFrame(data []byte) error {
	select {
	case w.send <- data:
		return nil
	case <-w.dead:
		return processor.ErrConnClosed
	}
}

func (t *WebSocket) serve(ws *websocket.Conn) {
	h := t.factory()
	writer := &wsWriter{
		send: make(chan []byte, 256),
		dead: make(chan struct{}),
	}
	conn := processor.New(writer, h, t.logger)

	// quit tells the write pump to send the close frame and stop; closeCode
	// is what that frame carries.
	quit := make(chan struct{})
	var closeCode atomic.Int32
	closeCode.Store(websocket.CloseNormalClosure)

	go t.writePump(ws, writer, quit, &closeCode)

	// Kick the blocking read loop out when the server shuts down. Expiring
	// the read deadline leaves the socket writable, so the close frame below
	// still reaches the client.
	readCtx, stopWatch := context.WithCancel(t.ctx)
	go func() {
		<-readCtx.Done()
		ws.SetReadDeadline(time.Now())
	}()

	if err := t.readPump(readCtx, ws, conn); err != nil {
		closeCode.Store(websocket.CloseInternalServerErr)
	}
	stopWatch()

	conn.Close()
	conn.Wait()
	h.ReleaseAll()
	close(quit)
	<-writer.dead
}

// readPump feeds inbound frames to the processor until the client goes away.
// A non-nil error means the connection died abnormally.
func (t *WebSocket) readPump(ctx context.Context, ws *websocket.Conn, conn *processor.Conn) error {
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Warn("WebSocket read error", zap.Error(err))
				return err
			}
			return nil
		}
		conn.HandleFrame(ctx, message)
	}
}

// writePump owns all writes to the socket: queued frames, transport pings,
// and the final close frame. It closes writer.dead on exit so queued
// producers fail fast.
func (t *WebSocket) writePump(ws *websocket.Conn, writer *wsWriter, quit <-chan struct{}, closeCode *atomic.Int32) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		close(writer.dead)
		ws.Close()
	}()

	for {
		select {
		case frame := <-writer.send:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			payload := bytes.TrimRight(frame, "\n")
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-quit:
			// Flush whatever is still queued before saying goodbye.
			for {
				select {
				case frame := <-writer.send:
					ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if err := ws.WriteMessage(websocket.TextMessage, bytes.TrimRight(frame, "\n")); err != nil {
						return
					}
				default:
					ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
					ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(int(closeCode.Load()), ""))
					return
				}
			}
		}
	}
}
