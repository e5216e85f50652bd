// Package processor runs the JSON-RPC engine for one ACP connection:
// it decodes inbound frames, dispatches requests to the method handler,
// and correlates the agent's own outbound requests with their responses.
// Transports stay dumb; they only move frames.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/pkg/acp/jsonrpc"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// ErrConnClosed is returned for outbound requests once the connection is
// torn down.
var ErrConnClosed = errors.New("connection closed")

// FrameWriter sends one encoded frame to the peer. The Conn serializes
// calls with an internal lock.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(data []byte) error

// WriteFrame implements FrameWriter.
func (f FrameWriterFunc) WriteFrame(data []byte) error { return f(data) }

// Handler serves the ACP method surface. It returns either a result value
// (marshalled into the response) or a JSON-RPC error.
type Handler interface {
	Handle(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, *jsonrpc.Error)
}

// Conn is the processing state of one client connection.
type Conn struct {
	writer  FrameWriter
	handler Handler
	logger  *logger.Logger

	writeMu sync.Mutex

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Message

	// Per-session FIFO: requests naming the same session run in arrival
	// order; distinct sessions run concurrently.
	queueMu sync.Mutex
	tails   map[string]chan struct{}

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New builds a connection processor around a frame writer and a method
// handler.
func New(writer FrameWriter, handler Handler, log *logger.Logger) *Conn {
	if log == nil {
		log = logger.Default()
	}
	return &Conn{
		writer:  writer,
		handler: handler,
		logger:  log,
		pending: make(map[string]chan *jsonrpc.Message),
		tails:   make(map[string]chan struct{}),
	}
}

// HandleFrame processes one inbound frame, writing any response through the
// frame writer. Requests and notifications run on their own goroutine so a
// long prompt never blocks the read loop; responses resolve the matching
// pending request inline. The session queue ticket is taken here, on the
// read loop, so same-session requests keep their arrival order.
func (c *Conn) HandleFrame(ctx context.Context, raw []byte) {
	msg, err := jsonrpc.DecodeFrame(raw)
	if err != nil {
		c.writeMessage(jsonrpc.NewErrorResponse(nil, asRPCError(err)))
		return
	}

	if msg.Method == "" {
		// Response-plane traffic. A null-id error report cannot be
		// correlated; log and move on.
		if msg.ID != nil {
			c.resolve(msg)
		} else if msg.Error != nil {
			c.logger.Warn("Peer reported a frame error",
				zap.Int("code", msg.Error.Code),
				zap.String("message", msg.Error.Message))
		}
		return
	}

	ticket := c.enqueue(msg)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if resp := c.process(ctx, msg, ticket); resp != nil {
			c.writeMessage(resp)
		}
	}()
}

// Process handles one frame synchronously and returns the encoded response
// frame, if the input warrants one. This is the HTTP POST path: the caller
// delivers the response in its own channel instead of the frame writer.
func (c *Conn) Process(ctx context.Context, raw []byte) ([]byte, bool) {
	msg, err := jsonrpc.DecodeFrame(raw)
	if err != nil {
		return encodeOrNil(jsonrpc.NewErrorResponse(nil, asRPCError(err)))
	}

	if msg.Method == "" {
		if msg.ID != nil {
			c.resolve(msg)
		}
		return nil, false
	}

	resp := c.process(ctx, msg, c.enqueue(msg))
	if resp == nil {
		return nil, false
	}
	return encodeOrNil(resp)
}

// turnTicket is one slot in a session's FIFO queue.
type turnTicket struct {
	sessionID string
	prev      <-chan struct{}
	release   func()
}

// enqueue joins the FIFO for the message's session key. Messages without a
// key (including session/cancel) skip the queue and return nil.
func (c *Conn) enqueue(msg *jsonrpc.Message) *turnTicket {
	sessionID := sessionKey(msg)
	if sessionID == "" {
		return nil
	}
	prev, release := c.acquireTurn(sessionID)
	return &turnTicket{sessionID: sessionID, prev: prev, release: release}
}

// process runs the handler for a request or notification, waiting on the
// queue ticket taken at decode time. It returns the response message for
// requests, nil for notifications. Panics become internal errors instead of
// killing the process.
func (c *Conn) process(ctx context.Context, msg *jsonrpc.Message, ticket *turnTicket) (resp *jsonrpc.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked",
				zap.String("method", msg.Method),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			if msg.ID != nil {
				resp = jsonrpc.NewErrorResponse(msg.ID,
					jsonrpc.NewError(jsonrpc.InternalError, fmt.Sprintf("Internal error: %v", r)))
			}
		}
	}()

	sessionID := ""
	if ticket != nil {
		sessionID = ticket.sessionID
		defer ticket.release()
		if ticket.prev != nil {
			select {
			case <-ticket.prev:
			case <-ctx.Done():
				if msg.ID != nil {
					return jsonrpc.NewErrorResponse(msg.ID,
						jsonrpc.NewError(jsonrpc.InternalError, "connection closing"))
				}
				return nil
			}
		}
	}

	ctx, span := otel.Tracer("acp.processor").Start(ctx, "rpc."+msg.Method)
	if sessionID != "" {
		span.SetAttributes(attribute.String("acp.session_id", sessionID))
	}
	defer span.End()

	result, rpcErr := c.handler.Handle(ctx, c, msg.Method, msg.Params)

	if msg.ID == nil {
		if rpcErr != nil {
			span.SetStatus(codes.Error, rpcErr.Message)
			c.logger.Debug("Notification handler failed",
				zap.String("method", msg.Method),
				zap.String("error", rpcErr.Message))
		}
		return nil
	}

	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		return jsonrpc.NewErrorResponse(msg.ID, rpcErr)
	}

	out, err := jsonrpc.NewResponse(msg.ID, result)
	if err != nil {
		c.logger.Error("Encoding response failed",
			zap.String("method", msg.Method),
			zap.Error(err))
		return jsonrpc.NewErrorResponse(msg.ID,
			jsonrpc.NewError(jsonrpc.InternalError, "Internal error"))
	}
	return out
}

// acquireTurn joins the FIFO for a session key. The returned channel is the
// previous occupant's completion signal (nil when the queue was empty); the
// release func must be called when done.
func (c *Conn) acquireTurn(key string) (<-chan struct{}, func()) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	prev := c.tails[key]
	turn := make(chan struct{})
	c.tails[key] = turn

	release := func() {
		close(turn)
		c.queueMu.Lock()
		if c.tails[key] == turn {
			delete(c.tails, key)
		}
		c.queueMu.Unlock()
	}
	return prev, release
}

// sessionKey extracts the serialization key from a message. session/cancel
// bypasses the queue: it exists to interrupt the request ahead of it.
func sessionKey(msg *jsonrpc.Message) string {
	if msg.Method == jsonrpc.MethodSessionCancel || len(msg.Params) == 0 {
		return ""
	}
	var peek struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &peek); err != nil {
		return ""
	}
	return peek.SessionID
}

// resolve routes a response to the goroutine waiting in SendRequest.
func (c *Conn) resolve(msg *jsonrpc.Message) {
	key := msg.ID.String()
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Response without a pending request", zap.String("id", key))
		return
	}
	ch <- msg
}

// SendRequest issues an agent-to-client request and blocks for the paired
// response or context cancellation. It satisfies the permission bridge's
// transport dependency.
func (c *Conn) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	id := jsonrpc.NumberID(c.nextID.Add(1))
	ch := make(chan *jsonrpc.Message, 1)

	key := id.String()
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()

	unregister := func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		unregister()
		return nil, err
	}
	if err := c.writeMessage(req); err != nil {
		unregister()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrConnClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	}
}

// SendNotification fires a one-way message to the client.
func (c *Conn) SendNotification(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

// Notify implements the session notifier: every update becomes a
// session/update notification on this connection.
func (c *Conn) Notify(sessionID string, update protocol.SessionUpdate) {
	err := c.SendNotification(jsonrpc.NotificationSessionUpdate, protocol.SessionNotification{
		SessionID: sessionID,
		Update:    update,
	})
	if err != nil {
		c.logger.Debug("Delivering session update failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Close fails every pending outbound request and marks the connection dead.
// In-flight handler goroutines finish on their own; their writes turn into
// no-ops at the transport.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.pendingMu.Lock()
	for key, ch := range c.pending {
		delete(c.pending, key)
		close(ch)
	}
	c.pendingMu.Unlock()
}

// Wait blocks until every dispatched handler goroutine has returned, so
// transports can drain pending work before exiting.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) writeMessage(msg *jsonrpc.Message) error {
	data, err := jsonrpc.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writer.WriteFrame(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func asRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return jsonrpc.NewError(jsonrpc.ParseError, "Parse error")
}

func encodeOrNil(msg *jsonrpc.Message) ([]byte, bool) {
	data, err := jsonrpc.EncodeFrame(msg)
	if err != nil {
		return nil, false
	}
	return data, true
}
