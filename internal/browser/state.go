package browser

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/surfdeck/surfdeck/internal/models"
)

// StateCallback observes browser state changes. Callbacks run synchronously
// on a snapshot; a failure in one never blocks the others.
type StateCallback func(state *models.BrowserState)

// StateManager tracks the observable browser state of every session and
// broadcasts changes to subscribers.
type StateManager struct {
	mu        sync.RWMutex
	states    map[string]*models.BrowserState
	callbacks []StateCallback
	logger    *slog.Logger
}

// NewStateManager creates an empty state manager.
func NewStateManager(logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{
		states: make(map[string]*models.BrowserState),
		logger: logger,
	}
}

// OnChange registers a callback for every state change.
func (m *StateManager) OnChange(cb StateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Update applies only the supplied fields to the session's state, stamps
// lastUpdated, and notifies subscribers. A transition out of closed starts a
// fresh record; anything else violating the lifecycle order is rejected.
func (m *StateManager) Update(sessionID string, change models.BrowserStateChange) (*models.BrowserState, error) {
	m.mu.Lock()

	state, ok := m.states[sessionID]
	if !ok {
		state = &models.BrowserState{
			SessionID: sessionID,
			Status:    models.BrowserStatusUninitialized,
		}
		m.states[sessionID] = state
	}

	if change.Status != nil {
		next := *change.Status
		terminal := state.Status == models.BrowserStatusClosed || state.Status == models.BrowserStatusError
		if terminal && next == models.BrowserStatusInitializing {
			// New worker generation.
			state = &models.BrowserState{
				SessionID: sessionID,
				Status:    models.BrowserStatusUninitialized,
			}
			m.states[sessionID] = state
		} else if !state.Status.CanTransition(next) {
			m.mu.Unlock()
			return nil, fmt.Errorf("illegal browser state transition %s -> %s for %s", state.Status, next, sessionID)
		}
		state.Status = next
		if next == models.BrowserStatusInitialized && state.InitializedAt == nil {
			now := time.Now().UTC()
			state.InitializedAt = &now
		}
	}
	if change.CurrentURL != nil {
		state.CurrentURL = *change.CurrentURL
	}
	if change.PageTitle != nil {
		state.PageTitle = *change.PageTitle
	}
	if change.Headless != nil {
		state.Headless = *change.Headless
	}
	if change.ErrorMessage != nil {
		state.ErrorMessage = *change.ErrorMessage
	}
	state.LastUpdated = time.Now().UTC()

	snapshot := state.Clone()
	callbacks := make([]StateCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.notify(callbacks, snapshot)
	return snapshot, nil
}

func (m *StateManager) notify(callbacks []StateCallback, snapshot *models.BrowserState) {
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("browser state callback panicked",
						"session_id", snapshot.SessionID, "panic", r)
				}
			}()
			cb(snapshot.Clone())
		}()
	}
}

// Get returns a snapshot of the session's state, or nil if untracked.
func (m *StateManager) Get(sessionID string) *models.BrowserState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[sessionID]; ok {
		return state.Clone()
	}
	return nil
}

// All returns snapshots of every tracked session.
func (m *StateManager) All() map[string]*models.BrowserState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.BrowserState, len(m.states))
	for id, state := range m.states {
		out[id] = state.Clone()
	}
	return out
}

// ActiveSessions lists sessions whose browser can accept work.
func (m *StateManager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, state := range m.states {
		if state.Status.Active() {
			out = append(out, id)
		}
	}
	return out
}

// Remove forces the session to closed, notifies, and drops the record.
func (m *StateManager) Remove(sessionID string) {
	m.mu.Lock()
	state, ok := m.states[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.Status = models.BrowserStatusClosed
	state.LastUpdated = time.Now().UTC()
	snapshot := state.Clone()
	delete(m.states, sessionID)
	callbacks := make([]StateCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.notify(callbacks, snapshot)
}
