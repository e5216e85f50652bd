package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/events"
	"github.com/amplifier/amplifier/internal/events/bus"
	ws "github.com/amplifier/amplifier/pkg/websocket"
)

// updateDebounceWindow is the time to wait before flushing batched updates
const updateDebounceWindow = 100 * time.Millisecond

// maxUpdateBatchSize is the maximum number of updates to batch before forcing a flush
const maxUpdateBatchSize = 50

// SessionStreamBroadcaster feeds bus events to the observer hub. Streamed
// session updates arrive per content delta, so they are debounced into
// batches; lifecycle events go out immediately to every client.
type SessionStreamBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger

	// Update debouncing
	updateMu     sync.Mutex
	updateBatch  map[string][]any       // sessionID -> list of update payloads
	updateTimers map[string]*time.Timer // sessionID -> debounce timer
}

// RegisterSessionStreamNotifications wires the event bus to the hub. The
// broadcaster closes itself when ctx ends.
func RegisterSessionStreamNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *SessionStreamBroadcaster {
	b := &SessionStreamBroadcaster{
		hub:          hub,
		logger:       log.WithFields(zap.String("component", "ws-session-stream-broadcaster")),
		updateBatch:  make(map[string][]any),
		updateTimers: make(map[string]*time.Timer),
	}
	if eventBus == nil {
		return b
	}

	// Updates are debounced per session to keep dashboards responsive
	// without a message per streamed delta.
	b.subscribeUpdates(eventBus, events.BuildSessionUpdatesWildcardSubject(), ws.ActionSessionUpdated)
	b.subscribeLifecycle(eventBus, events.BuildSessionLifecycleWildcardSubject(), ws.ActionSessionLifecycle)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops the bus subscriptions and stops pending flush timers.
func (b *SessionStreamBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil

	b.updateMu.Lock()
	for _, timer := range b.updateTimers {
		timer.Stop()
	}
	b.updateTimers = nil
	b.updateBatch = nil
	b.updateMu.Unlock()
}

// subscribeLifecycle forwards lifecycle events to every connected client.
func (b *SessionStreamBroadcaster) subscribeLifecycle(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		payload := map[string]any{
			"event":      event.Type,
			"session_id": extractSessionID(event.Data),
			"data":       event.Data,
		}
		msg, err := ws.NewNotification(action, payload)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// subscribeUpdates subscribes to session update events with debouncing.
// Multiple updates within the debounce window are batched into one message.
func (b *SessionStreamBroadcaster) subscribeUpdates(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		sessionID := extractSessionID(event.Data)
		if sessionID == "" {
			return nil
		}

		b.updateMu.Lock()
		defer b.updateMu.Unlock()
		if b.updateBatch == nil {
			return nil
		}

		b.updateBatch[sessionID] = append(b.updateBatch[sessionID], event.Data)

		// Force flush if batch is too large
		if len(b.updateBatch[sessionID]) >= maxUpdateBatchSize {
			b.flushUpdatesLocked(sessionID, action)
			return nil
		}

		// Reset or create debounce timer
		if timer, exists := b.updateTimers[sessionID]; exists {
			timer.Stop()
		}
		b.updateTimers[sessionID] = time.AfterFunc(updateDebounceWindow, func() {
			b.updateMu.Lock()
			defer b.updateMu.Unlock()
			b.flushUpdatesLocked(sessionID, action)
		})

		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to update events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// flushUpdatesLocked sends batched updates. Must be called with updateMu held.
func (b *SessionStreamBroadcaster) flushUpdatesLocked(sessionID, action string) {
	if b.updateBatch == nil {
		return
	}
	batch := b.updateBatch[sessionID]
	if len(batch) == 0 {
		return
	}

	delete(b.updateBatch, sessionID)
	if timer, exists := b.updateTimers[sessionID]; exists {
		timer.Stop()
		delete(b.updateTimers, sessionID)
	}

	payload := map[string]any{
		"session_id": sessionID,
		"updates":    batch,
	}

	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		b.logger.Error("failed to build batched update notification", zap.String("action", action), zap.Error(err))
		return
	}

	b.hub.BroadcastToSession(sessionID, msg)
	b.logger.Debug("flushed batched updates",
		zap.String("session_id", sessionID),
		zap.Int("count", len(batch)))
}

// extractSessionID pulls the session id out of an event payload. Update
// events carry the ACP wire shape (sessionId); lifecycle events use
// session_id.
func extractSessionID(data any) string {
	if data == nil {
		return ""
	}
	if typed, ok := data.(interface{ GetSessionID() string }); ok {
		return typed.GetSessionID()
	}
	if m, ok := data.(map[string]any); ok {
		if sessionID, ok := m["session_id"].(string); ok {
			return sessionID
		}
		if sessionID, ok := m["sessionId"].(string); ok {
			return sessionID
		}
	}
	return ""
}
