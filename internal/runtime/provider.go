package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Stop reasons a turn can end with.
const (
	StopEndTurn         = "end_turn"
	StopMaxTokens       = "max_tokens"
	StopMaxTurnRequests = "max_turn_requests"
	StopRefusal         = "refusal"
	StopCancelled       = "cancelled"
	StopError           = "error"

	// stopContinue is the internal signal that the provider wants another
	// request in the same turn (after tool results are appended).
	stopContinue = "continue"
)

// Event is one lifecycle occurrence during a provider turn. Name uses the
// hook vocabulary ("content_block:delta", "tool:request", ...), Data is the
// event payload.
type Event struct {
	Name string
	Data map[string]any
}

// Request is one provider invocation within a turn.
type Request struct {
	SessionID    string
	SystemPrompt string
	Messages     []Message
	TextPrompt   string
	Config       map[string]any
}

// Turn is the provider's verdict after its event stream is drained.
type Turn struct {
	StopReason string
	Err        error
}

// Provider produces a stream of events for one request. The returned
// channel must be closed when the request finishes; the Turn function
// reports how it ended. Implementations must stop promptly when ctx is
// cancelled.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (<-chan Event, func() Turn, error)
}

// ProviderFactory builds a provider from its manifest configuration.
type ProviderFactory func(config map[string]any) (Provider, error)

// Registry maps provider names to factories. Wired once at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// Register adds a factory under a name, replacing any previous entry.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build constructs the named provider.
func (r *Registry) Build(name string, config map[string]any) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, r.Names())
	}
	return factory(config)
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
