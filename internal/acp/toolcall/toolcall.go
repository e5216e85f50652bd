// Package toolcall tracks the tool call currently executing on a prompt
// task. The slot travels with the task's context so concurrent prompts on
// different sessions never observe each other's tool state.
package toolcall

import (
	"context"
	"sync"
)

// Call identifies one in-flight tool invocation.
type Call struct {
	CallID    string
	ToolName  string
	Arguments map[string]any
}

// Slot is the mutable per-task holder. Set on tool:pre, cleared on
// tool:post and tool:error.
type Slot struct {
	mu      sync.RWMutex
	current *Call
}

// Set records the tool call now executing.
func (s *Slot) Set(call Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &call
}

// Clear removes the current tool call.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Current returns the tool call in flight, if any.
func (s *Slot) Current() (Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Call{}, false
	}
	return *s.current, true
}

type ctxKey struct{}

// Install binds a fresh slot to the context. Each prompt task installs its
// own slot before running the agent loop.
func Install(ctx context.Context) (context.Context, *Slot) {
	slot := &Slot{}
	return context.WithValue(ctx, ctxKey{}, slot), slot
}

// FromContext returns the slot bound to the context, or nil when the
// context does not belong to a prompt task.
func FromContext(ctx context.Context) *Slot {
	slot, _ := ctx.Value(ctxKey{}).(*Slot)
	return slot
}

// Current is a convenience for reading the in-flight tool call straight
// from a task context.
func Current(ctx context.Context) (Call, bool) {
	slot := FromContext(ctx)
	if slot == nil {
		return Call{}, false
	}
	return slot.Current()
}
