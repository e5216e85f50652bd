// Package hooks provides the synchronous event bus that agent execution
// emits lifecycle events on. Handlers subscribe to event names such as
// "tool:pre" or "content_block:delta" and run in priority order; a handler
// may return a decision that gates tool execution.
package hooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/common/logger"
)

// Decision values a handler can return for gating events like tool:pre.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask_user"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Event is what handlers receive. Data is the event payload as emitted by
// the execution layer; handlers must not mutate it.
type Event struct {
	Name      string
	SessionID string
	Data      map[string]any
	Time      time.Time
}

// Result is an optional handler verdict. A non-empty Decision stops
// propagation to lower-priority handlers for the same event. A DecisionAsk
// result carries the approval question: the prompt to pose, the option
// vocabulary, a timeout in seconds (0 means the configured default), and
// the decision to fall back to when the user cannot answer.
type Result struct {
	Decision string
	Reason   string
	Prompt   string
	Options  []string
	Timeout  int
	Default  string
}

// HandlerFunc processes a single event. Returning a nil Result means the
// handler observed the event without a verdict.
type HandlerFunc func(ctx context.Context, event Event) (*Result, error)

type registration struct {
	name     string
	priority int
	seq      int
	fn       HandlerFunc
}

// Bus dispatches events synchronously to registered handlers.
// Lower priority runs earlier; ties break by registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*registration
	seq      int
	logger   *logger.Logger
}

// NewBus creates an empty hook bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		handlers: make(map[string][]*registration),
		logger:   log,
	}
}

// On registers a handler for an event name (or Wildcard for all events)
// and returns a function that removes the registration.
func (b *Bus) On(event, name string, priority int, fn HandlerFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	reg := &registration{name: name, priority: priority, seq: b.seq, fn: fn}
	b.handlers[event] = append(b.handlers[event], reg)

	b.logger.Debug("Hook registered",
		zap.String("event", event),
		zap.String("handler", name),
		zap.Int("priority", priority))

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.handlers[event]
		for i, r := range regs {
			if r == reg {
				b.handlers[event] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Off removes every handler registered under the given event and name.
func (b *Bus) Off(event, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[event]
	kept := regs[:0]
	for _, r := range regs {
		if r.name != name {
			kept = append(kept, r)
		}
	}
	b.handlers[event] = kept
}

// Emit dispatches an event to all matching handlers synchronously, in
// priority order. The first non-nil Result with a Decision is returned
// and stops propagation; handler errors are logged and skipped so one
// broken observer cannot wedge the execution loop.
func (b *Bus) Emit(ctx context.Context, event string, sessionID string, data map[string]any) *Result {
	b.mu.RLock()
	regs := make([]*registration, 0, len(b.handlers[event])+len(b.handlers[Wildcard]))
	regs = append(regs, b.handlers[event]...)
	regs = append(regs, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	if len(regs) == 0 {
		return nil
	}

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})

	evt := Event{
		Name:      event,
		SessionID: sessionID,
		Data:      data,
		Time:      time.Now(),
	}

	for _, reg := range regs {
		result, err := reg.fn(ctx, evt)
		if err != nil {
			b.logger.Error("Hook handler error",
				zap.String("event", event),
				zap.String("handler", reg.name),
				zap.Error(err))
			continue
		}
		if result != nil && result.Decision != "" {
			return result
		}
	}
	return nil
}

// HandlerCount reports how many handlers are registered for an event name,
// not counting wildcard registrations.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}
