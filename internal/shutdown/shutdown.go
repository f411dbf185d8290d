// Package shutdown runs registered teardown steps in order with bounded
// timeouts, so one stuck component cannot wedge process exit.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultStepTimeout bounds a step that registered without its own timeout.
const DefaultStepTimeout = 30 * time.Second

type step struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context) error
}

// Manager collects teardown steps and runs them once.
type Manager struct {
	mu     sync.Mutex
	steps  []step
	logger *slog.Logger

	once sync.Once
	err  error
}

// NewManager creates an empty shutdown manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Register adds a teardown step. Steps run in registration order, so register
// outer layers (HTTP server) before the things they depend on (stores).
func (m *Manager) Register(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, timeout: timeout, fn: fn})
}

// Shutdown runs every registered step, each bounded by its own timeout and by
// ctx. A step that fails or times out is logged and skipped; the rest still
// run. Repeat calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.mu.Lock()
		steps := make([]step, len(m.steps))
		copy(steps, m.steps)
		m.mu.Unlock()

		var errs []error
		for _, s := range steps {
			if err := m.runStep(ctx, s); err != nil {
				m.logger.Error("shutdown step failed", "step", s.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			m.logger.Debug("shutdown step complete", "step", s.name)
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// runStep executes one step in its own goroutine so a hung step can be
// abandoned when its timeout expires.
func (m *Manager) runStep(ctx context.Context, s step) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.fn(stepCtx) }()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		return fmt.Errorf("timed out after %s: %w", s.timeout, stepCtx.Err())
	}
}
