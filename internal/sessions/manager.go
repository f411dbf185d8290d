package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/surfdeck/surfdeck/internal/models"
	"github.com/surfdeck/surfdeck/internal/store"
)

// ErrSessionNotFound is returned when a session is missing, expired, or
// terminated. Callers should create a fresh session rather than retry.
var ErrSessionNotFound = errors.New("session not found or expired")

// ResourceManager cleans up one class of resources attached to a session,
// keyed by the prefix before ":" in the resource ID (e.g. "browser").
type ResourceManager interface {
	CleanupResource(ctx context.Context, sessionID, resourceID string) error
}

// Manager owns session lifecycle: creation, TTL sliding, termination, and
// cascading resource cleanup. All reads and writes go through the store.
type Manager struct {
	store  store.SessionStore
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	managers map[string]ResourceManager

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a session manager with the given TTL.
func NewManager(s store.SessionStore, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       s,
		ttl:         ttl,
		logger:      logger,
		managers:    make(map[string]ResourceManager),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
}

// TTL returns the configured session time-to-live.
func (m *Manager) TTL() time.Duration { return m.ttl }

// RegisterResourceManager attaches a cleanup handler for a resource type.
func (m *Manager) RegisterResourceManager(resourceType string, rm ResourceManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managers[resourceType] = rm
}

// GetOrCreate returns the session with the given ID if it is still usable,
// otherwise creates a new one. An empty ID always creates.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*models.Session, error) {
	if id != "" {
		session, err := m.Validate(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	return m.create(ctx, id)
}

func (m *Manager) create(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		id = store.NewID()
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:           id,
		State:        models.SessionStateActive,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(m.ttl),
	}
	if err := m.setWithRetry(ctx, session); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", session.ID, "expires_at", session.ExpiresAt)
	return session, nil
}

// Validate returns the session if it exists and is usable, sliding its TTL.
// Expired sessions are removed as a side effect.
func (m *Manager) Validate(ctx context.Context, id string) (*models.Session, error) {
	session, err := m.getWithRetry(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnavailable) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	if session.State == models.SessionStateTerminated {
		return nil, ErrSessionNotFound
	}
	if session.IsExpired(now) {
		m.logger.Info("session expired", "session_id", id)
		if err := m.Terminate(ctx, id); err != nil {
			m.logger.Warn("expired session cleanup failed", "session_id", id, "error", err)
		}
		return nil, ErrSessionNotFound
	}

	session.Touch(now, m.ttl)
	if err := m.setWithRetry(ctx, session); err != nil {
		m.logger.Warn("session refresh write failed", "session_id", id, "error", err)
	}
	return session, nil
}

// Refresh slides the TTL without returning the session.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	_, err := m.Validate(ctx, id)
	return err
}

// Terminate marks the session terminated and cascades resource cleanup.
// It is idempotent; cleanup failures are logged, never propagated.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	session, err := m.getWithRetry(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	m.cleanupResources(ctx, session)

	session.State = models.SessionStateTerminated
	if err := m.setWithRetry(ctx, session); err != nil {
		return fmt.Errorf("mark session terminated: %w", err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("delete terminated session failed", "session_id", id, "error", err)
	}
	m.logger.Info("session terminated", "session_id", id)
	return nil
}

func (m *Manager) cleanupResources(ctx context.Context, session *models.Session) {
	m.mu.RLock()
	managers := make(map[string]ResourceManager, len(m.managers))
	for k, v := range m.managers {
		managers[k] = v
	}
	m.mu.RUnlock()

	for _, resourceID := range session.Resources {
		resourceType, _, _ := strings.Cut(resourceID, ":")
		rm, ok := managers[resourceType]
		if !ok {
			m.logger.Warn("no resource manager registered",
				"session_id", session.ID, "resource", resourceID)
			continue
		}
		if err := rm.CleanupResource(ctx, session.ID, resourceID); err != nil {
			m.logger.Warn("resource cleanup failed",
				"session_id", session.ID, "resource", resourceID, "error", err)
		}
	}
}

// AddResource records a resource ID on the session.
func (m *Manager) AddResource(ctx context.Context, sessionID, resourceID string) error {
	session, err := m.getWithRetry(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("add resource %s: %w", resourceID, err)
	}
	if session.HasResource(resourceID) {
		return nil
	}
	session.Resources = append(session.Resources, resourceID)
	return m.setWithRetry(ctx, session)
}

// RemoveResource drops a resource ID from the session. Missing sessions and
// missing resources are not errors.
func (m *Manager) RemoveResource(ctx context.Context, sessionID, resourceID string) error {
	session, err := m.getWithRetry(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnavailable) {
			return nil
		}
		return err
	}
	kept := session.Resources[:0]
	for _, r := range session.Resources {
		if r != resourceID {
			kept = append(kept, r)
		}
	}
	session.Resources = kept
	return m.setWithRetry(ctx, session)
}

// ListActive returns all usable sessions.
func (m *Manager) ListActive(ctx context.Context) ([]*models.Session, error) {
	return m.store.ListActive(ctx)
}

// StartCleanupLoop periodically removes expired sessions until Shutdown.
func (m *Manager) StartCleanupLoop(interval time.Duration) {
	go func() {
		defer close(m.cleanupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				m.cleanupPass(ctx)
				cancel()
			case <-m.stopCleanup:
				return
			}
		}
	}()
}

func (m *Manager) cleanupPass(ctx context.Context) {
	removed, err := m.store.CleanupExpired(ctx)
	if err != nil {
		m.logger.Warn("session cleanup pass failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Info("expired sessions removed", "count", removed)
	}
}

// Shutdown stops the cleanup loop and terminates all active sessions.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCleanup) })

	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list sessions for shutdown: %w", err)
	}
	for _, s := range sessions {
		if err := m.Terminate(ctx, s.ID); err != nil {
			m.logger.Warn("session shutdown terminate failed", "session_id", s.ID, "error", err)
		}
	}
	return m.store.Close()
}

// getWithRetry retries one transient store failure before reporting the
// store unavailable.
func (m *Manager) getWithRetry(ctx context.Context, id string) (*models.Session, error) {
	session, err := m.store.Get(ctx, id)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return session, err
	}
	session, err = m.store.Get(ctx, id)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return session, err
	}
	return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func (m *Manager) setWithRetry(ctx context.Context, session *models.Session) error {
	if err := m.store.Set(ctx, session); err == nil {
		return nil
	}
	if err := m.store.Set(ctx, session); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}
