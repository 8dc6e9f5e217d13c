// Package session owns the per-user progress stores of a running engine.
// A session is opened on sign-in, bootstraps from the remote store and is
// closed on sign-out, which clears local progress.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/application/tracker"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Config contains configuration for Manager.
type Config struct {
	// BootstrapTimeout bounds the remote load on sign-in.
	BootstrapTimeout time.Duration

	// OfflineFallback opens a degraded session with default progress when the
	// remote load fails. When false the sign-in fails instead.
	OfflineFallback bool

	// Catalog is the achievement catalog shared by every session.
	Catalog []progress.Achievement
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BootstrapTimeout: 10 * time.Second,
		OfflineFallback:  true,
	}
}

// Deps are shared by all sessions.
type Deps struct {
	Remote     progress.RemoteStore
	Dispatcher tracker.WriteDispatcher
	Content    tracker.ContentResolver
	Events     shared.EventPublisher
	Clock      timeutil.Clock
	Logger     *slog.Logger
}

// identity is the signed-in user as seen by one store.
type identity struct {
	mu     sync.Mutex
	userID string
	hooks  []func()
}

func (i *identity) UserID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userID
}

func (i *identity) OnSignOut(fn func()) {
	i.mu.Lock()
	i.hooks = append(i.hooks, fn)
	i.mu.Unlock()
}

func (i *identity) signOut() {
	i.mu.Lock()
	hooks := i.hooks
	i.userID = ""
	i.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type entry struct {
	store    *tracker.Store
	identity *identity
}

// Manager maps signed-in users to their progress stores.
type Manager struct {
	deps   Deps
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	opening  map[string]*sync.Mutex
}

// NewManager creates a session manager.
func NewManager(deps Deps, config Config) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		deps:     deps,
		config:   config,
		logger:   deps.Logger,
		sessions: make(map[string]*entry),
		opening:  make(map[string]*sync.Mutex),
	}
}

// Open signs userID in. An already open session is returned as is.
func (m *Manager) Open(ctx context.Context, userID string) (*tracker.Store, error) {
	uid, err := shared.NewUserID(userID)
	if err != nil {
		return nil, err
	}
	if store, ok := m.lookup(uid.String()); ok {
		return store, nil
	}

	// Serialise concurrent sign-ins of the same user.
	lock := m.openLock(uid.String())
	lock.Lock()
	defer lock.Unlock()

	if store, ok := m.lookup(uid.String()); ok {
		return store, nil
	}

	id := &identity{userID: uid.String()}
	store := tracker.NewStore(tracker.Deps{
		Remote:     m.deps.Remote,
		Dispatcher: m.deps.Dispatcher,
		Identity:   id,
		Content:    m.deps.Content,
		Events:     m.deps.Events,
		Clock:      m.deps.Clock,
		Logger:     m.logger.With("user_id", uid.String()),
	}, tracker.Config{
		Catalog:          m.config.Catalog,
		BootstrapTimeout: m.config.BootstrapTimeout,
	})

	if err := store.Load(ctx); err != nil {
		if !m.config.OfflineFallback || errors.Is(err, shared.ErrInvalidID) {
			return nil, err
		}
		m.logger.Warn("remote bootstrap failed, starting offline",
			"user_id", uid.String(),
			"error", err,
		)
		if err := store.StartOffline(uid.String()); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.sessions[uid.String()] = &entry{store: store, identity: id}
	m.mu.Unlock()

	m.logger.Info("session opened", "user_id", uid.String(), "degraded", store.Degraded())
	return store, nil
}

// Get returns the open session of userID.
func (m *Manager) Get(userID string) (*tracker.Store, error) {
	store, ok := m.lookup(userID)
	if !ok {
		return nil, shared.ErrSessionNotFound
	}
	return store, nil
}

// SignOut closes the session of userID and clears its local progress.
func (m *Manager) SignOut(userID string) error {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	delete(m.sessions, userID)
	delete(m.opening, userID)
	m.mu.Unlock()

	if !ok {
		return shared.ErrSessionNotFound
	}
	e.identity.signOut()
	m.logger.Info("session closed", "user_id", userID)
	return nil
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll signs every user out. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.SignOut(id)
	}
}

func (m *Manager) lookup(userID string) (*tracker.Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return e.store, true
}

func (m *Manager) openLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.opening[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.opening[userID] = lock
	}
	return lock
}
