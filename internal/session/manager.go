package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/stream"
	"github.com/amplifier/amplifier/internal/bundle"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/hooks"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// Manager owns the active session map and mediates creation, resumption,
// and teardown.
type Manager struct {
	bundles  *bundle.Manager
	store    *Store // nil disables persistence
	executor *runtime.Executor
	mapper   *stream.Mapper
	logger   *logger.Logger

	mu      sync.RWMutex
	active  map[string]*Session
	spawner Spawner
}

// ManagerOptions carries the manager's dependencies. Store may be nil when
// persistence is disabled.
type ManagerOptions struct {
	Bundles  *bundle.Manager
	Store    *Store
	Executor *runtime.Executor
	Logger   *logger.Logger
}

// NewManager builds a session manager.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		bundles:  opts.Bundles,
		store:    opts.Store,
		executor: opts.Executor,
		mapper:   stream.NewMapper(opts.Logger),
		logger:   opts.Logger,
		active:   make(map[string]*Session),
	}
}

// SetSpawner wires the delegation backend. Set once at startup; the spawn
// manager needs the session manager, so the dependency arrives late.
func (m *Manager) SetSpawner(sp Spawner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawner = sp
}

// CreateOptions configures a new session. Zero values pick the defaults:
// a generated id, the foundation bundle, and a no-op notifier.
type CreateOptions struct {
	ID             string
	Cwd            string
	Name           string
	Bundle         string
	Behaviors      []string
	ProviderConfig map[string]any
	Notifier       Notifier
	Approver       runtime.Approver
	ParentID       string
	NestingDepth   int
	Ephemeral      bool
}

// NewSessionID mints a regular session id. The form is sess_<32 hex>: an
// underscore but no dash, so the child-session heuristic never trips on it.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create builds a session, registers its bundle hooks, and persists the
// initial metadata.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = NewSessionID()
	}
	bundleName := opts.Bundle
	if bundleName == "" {
		bundleName = bundle.Foundation
	}

	prepared, err := m.bundles.Prepare(bundleName, opts.Behaviors, opts.ProviderConfig)
	if err != nil {
		return nil, fmt.Errorf("preparing bundle %q: %w", bundleName, err)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	store := m.store
	if opts.Ephemeral {
		store = nil
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           id,
		Cwd:          opts.Cwd,
		Name:         opts.Name,
		ParentID:     opts.ParentID,
		NestingDepth: opts.NestingDepth,
		bundle:       prepared,
		hooks:        hooks.NewBus(m.logger),
		notifier:     notifier,
		approver:     opts.Approver,
		executor:     m.executor,
		mapper:       m.mapper,
		store:        store,
		logger:       m.logger.WithSessionID(id),
		spawner:      m.currentSpawner(),
		state:        StateReady,
		mode:         protocol.ModeDefault,
		created:      now,
		updated:      now,
	}
	s.registerBundleHooks()

	m.mu.Lock()
	if _, exists := m.active[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	m.active[id] = s
	m.mu.Unlock()

	s.persist()
	m.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("bundle", prepared.Name),
		zap.String("cwd", opts.Cwd))
	return s, nil
}

// CreateMinimal builds a session on the foundation bundle with no extra
// behaviors. The prepared-bundle cache makes repeat calls cheap.
func (m *Manager) CreateMinimal(ctx context.Context, cwd string) (*Session, error) {
	return m.Create(ctx, CreateOptions{Cwd: cwd, Bundle: bundle.Foundation})
}

// Resume loads a persisted session into the active map. If the session is
// already active it is rebound to the given notifier and approver instead.
func (m *Manager) Resume(ctx context.Context, id string, notifier Notifier, approver runtime.Approver) (*Session, error) {
	m.mu.RLock()
	existing := m.active[id]
	m.mu.RUnlock()
	if existing != nil {
		existing.Attach(notifier, approver)
		return existing, nil
	}

	if m.store == nil {
		return nil, ErrPersistenceDisabled
	}
	meta, ok := m.store.FindSession(id)
	if !ok {
		return nil, ErrUnknownSession
	}

	messages, err := m.store.LoadMessages(meta.Cwd, id)
	if err != nil {
		m.logger.Warn("Loading session transcript failed",
			zap.String("session_id", id),
			zap.Error(err))
	}

	bundleName := meta.Bundle
	if bundleName == "" {
		bundleName = bundle.Foundation
	}
	prepared, err := m.bundles.Prepare(bundleName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("preparing bundle %q: %w", bundleName, err)
	}

	if notifier == nil {
		notifier = noopNotifier{}
	}
	created := meta.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}

	s := &Session{
		ID:           id,
		Cwd:          meta.Cwd,
		Name:         meta.Name,
		ParentID:     meta.ParentSessionID,
		bundle:       prepared,
		hooks:        hooks.NewBus(m.logger),
		notifier:     notifier,
		approver:     approver,
		executor:     m.executor,
		mapper:       m.mapper,
		store:        m.store,
		logger:       m.logger.WithSessionID(id),
		spawner:      m.currentSpawner(),
		state:        StateReady,
		mode:         protocol.ModeDefault,
		created:      created,
		updated:      time.Now().UTC(),
		turnCount:    meta.TurnCount,
		messages:     messages,
	}
	s.registerBundleHooks()

	m.mu.Lock()
	if raced, exists := m.active[id]; exists {
		m.mu.Unlock()
		raced.Attach(notifier, approver)
		return raced, nil
	}
	m.active[id] = s
	m.mu.Unlock()

	m.logger.Info("Session resumed",
		zap.String("session_id", id),
		zap.Int("messages", len(messages)))
	return s, nil
}

// Get returns an active session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// ListSaved returns persisted session metadata for a project directory,
// newest first.
func (m *Manager) ListSaved(cwd string) ([]Metadata, error) {
	if m.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return m.store.ListSessions(cwd)
}

// ListProjects returns the project directories with persisted sessions.
func (m *Manager) ListProjects() ([]string, error) {
	if m.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return m.store.ListProjects()
}

// ActiveIDs returns the ids of sessions currently in memory.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Store exposes the persistence layer; nil when persistence is disabled.
func (m *Manager) Store() *Store { return m.store }

// Close ends a session and drops it from the active map.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}
	s.Close()
	return nil
}

// CloseAll tears down every active session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.active = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) currentSpawner() Spawner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spawner
}
