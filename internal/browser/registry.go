package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/surfdeck/surfdeck/internal/events"
	"github.com/surfdeck/surfdeck/internal/models"
)

// ErrWorkerUnavailable is returned when a worker could not be created or
// recreated for a session.
var ErrWorkerUnavailable = errors.New("browser worker unavailable")

// sessionService is the slice of the session manager the registry needs.
type sessionService interface {
	Validate(ctx context.Context, id string) (*models.Session, error)
	AddResource(ctx context.Context, sessionID, resourceID string) error
	RemoveResource(ctx context.Context, sessionID, resourceID string) error
}

// Options configures worker lifecycle behavior.
type Options struct {
	Headless      bool
	StartURL      string
	MaxConcurrent int64
	ProbeTimeout  time.Duration
	URLTimeout    time.Duration
	CloseTimeout  time.Duration
}

func (o *Options) withDefaults() {
	if o.StartURL == "" {
		o.StartURL = "https://www.google.com"
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.URLTimeout <= 0 {
		o.URLTimeout = time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 30 * time.Second
	}
}

// Registry maintains at most one worker connection per session, creating,
// probing, and tearing them down on demand.
type Registry struct {
	sessions sessionService
	state    *StateManager
	dialer   Dialer
	broker   *events.Broker
	opts     Options
	logger   *slog.Logger

	sem *semaphore.Weighted

	mu        sync.Mutex
	conns     map[string]*Connection
	creating  map[string]*sync.Mutex
	savedURLs map[string]string
	stops     map[string]bool
}

// NewRegistry creates a worker registry.
func NewRegistry(sessions sessionService, state *StateManager, dialer Dialer, broker *events.Broker, opts Options, logger *slog.Logger) *Registry {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:  sessions,
		state:     state,
		dialer:    dialer,
		broker:    broker,
		opts:      opts,
		logger:    logger,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		conns:     make(map[string]*Connection),
		creating:  make(map[string]*sync.Mutex),
		savedURLs: make(map[string]string),
		stops:     make(map[string]bool),
	}
}

// resourceID tags the worker resource on the session record.
func resourceID(sessionID string) string { return "browser:" + sessionID }

// creationLock returns the per-session mutex that makes worker creation
// single-flight.
func (r *Registry) creationLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.creating[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.creating[sessionID] = lock
	}
	return lock
}

// Get returns the live connection for a session, if any.
func (r *Registry) Get(sessionID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[sessionID]
}

// GetOrCreateWorker returns a functional worker for the session, creating or
// recreating one as needed. Concurrent callers for the same session get the
// same connection.
func (r *Registry) GetOrCreateWorker(ctx context.Context, sessionID string) (*Connection, error) {
	if _, err := r.sessions.Validate(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("validate session %s: %w", sessionID, err)
	}

	lock := r.creationLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if conn := r.Get(sessionID); conn != nil {
		if r.IsFunctional(ctx, conn) {
			return conn, nil
		}
		r.logger.Warn("worker not functional, recreating", "session_id", sessionID)
		r.closeLocked(sessionID, conn)
	}

	return r.createWorker(ctx, sessionID)
}

func (r *Registry) createWorker(ctx context.Context, sessionID string) (*Connection, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: concurrency slot: %v", ErrWorkerUnavailable, err)
	}
	release := func() { r.sem.Release(1) }

	initializing := models.BrowserStatusInitializing
	headless := r.opts.Headless
	if _, err := r.state.Update(sessionID, models.BrowserStateChange{
		Status:   &initializing,
		Headless: &headless,
	}); err != nil {
		r.logger.Warn("state update failed", "session_id", sessionID, "error", err)
	}
	r.publishThought(sessionID, "Initializing browser session, this may take a few moments...")

	conn, err := Connect(ctx, r.dialer, sessionID, r.logger)
	if err != nil {
		release()
		r.markError(sessionID, err)
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	startURL := r.opts.StartURL
	r.mu.Lock()
	if saved := r.savedURLs[sessionID]; saved != "" {
		startURL = saved
	}
	r.mu.Unlock()

	result, err := conn.InitializeBrowser(ctx, r.opts.Headless, startURL)
	if err != nil {
		_ = conn.Close()
		release()
		r.markError(sessionID, err)
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	if status, _ := result["status"].(string); status == "error" {
		_ = conn.Close()
		release()
		err := fmt.Errorf("browser initialization reported: %v", result["message"])
		r.markError(sessionID, err)
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	initialized := models.BrowserStatusInitialized
	currentURL, _ := result["current_url"].(string)
	if currentURL == "" {
		currentURL = startURL
	}
	if _, err := r.state.Update(sessionID, models.BrowserStateChange{
		Status:     &initialized,
		CurrentURL: &currentURL,
	}); err != nil {
		r.logger.Warn("state update failed", "session_id", sessionID, "error", err)
	}

	if err := r.sessions.AddResource(ctx, sessionID, resourceID(sessionID)); err != nil {
		r.logger.Warn("register browser resource failed", "session_id", sessionID, "error", err)
	}

	r.mu.Lock()
	r.conns[sessionID] = conn
	r.mu.Unlock()

	r.publishThought(sessionID, "Browser ready")
	r.logger.Info("worker created", "session_id", sessionID, "url", currentURL)
	return conn, nil
}

func (r *Registry) markError(sessionID string, err error) {
	errStatus := models.BrowserStatusError
	msg := err.Error()
	if _, uerr := r.state.Update(sessionID, models.BrowserStateChange{
		Status:       &errStatus,
		ErrorMessage: &msg,
	}); uerr != nil {
		r.logger.Warn("state update failed", "session_id", sessionID, "error", uerr)
	}
}

func (r *Registry) publishThought(sessionID, content string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(events.Thought{
		SessionID: sessionID,
		Type:      events.TypeThought,
		Node:      events.NodeBrowser,
		Content:   content,
	})
}

// IsFunctional probes the worker with a short deadline. A worker that cannot
// report a URL is considered dead and must be recreated.
func (r *Registry) IsFunctional(ctx context.Context, conn *Connection) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()

	info, err := conn.BrowserInfo(probeCtx)
	if err != nil {
		return false
	}
	if status, _ := info["status"].(string); status == "error" {
		return false
	}
	url, _ := info["current_url"].(string)
	return url != ""
}

// Close tears down the session's worker: captures the current URL for reuse,
// closes with a bounded timeout, and always removes the connection.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	conn := r.conns[sessionID]
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return r.closeLocked(sessionID, conn)
}

// closeLocked performs the actual teardown. Callers must hold the session's
// creation lock or otherwise guarantee exclusivity.
func (r *Registry) closeLocked(sessionID string, conn *Connection) error {
	closing := models.BrowserStatusClosing
	if _, err := r.state.Update(sessionID, models.BrowserStateChange{Status: &closing}); err != nil {
		r.logger.Warn("state update failed", "session_id", sessionID, "error", err)
	}

	// Best-effort URL capture so a future worker resumes where this one was.
	urlCtx, cancel := context.WithTimeout(context.Background(), r.opts.URLTimeout)
	if info, err := conn.BrowserInfo(urlCtx); err == nil {
		if url, _ := info["current_url"].(string); url != "" && url != "about:blank" {
			r.mu.Lock()
			r.savedURLs[sessionID] = url
			r.mu.Unlock()
		}
	}
	cancel()

	var closeErr error
	done := make(chan struct{})
	go func() {
		closeErr = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.opts.CloseTimeout):
		closeErr = fmt.Errorf("close worker for session %s: timed out after %s", sessionID, r.opts.CloseTimeout)
	}

	// Always remove, whatever the close outcome. Only the caller that wins
	// the removal releases the concurrency slot.
	r.mu.Lock()
	removed := r.conns[sessionID] == conn
	if removed {
		delete(r.conns, sessionID)
	}
	r.mu.Unlock()
	if removed {
		r.sem.Release(1)
	}
	r.state.Remove(sessionID)

	rmCtx, rmCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rmCancel()
	if err := r.sessions.RemoveResource(rmCtx, sessionID, resourceID(sessionID)); err != nil {
		r.logger.Warn("remove browser resource failed", "session_id", sessionID, "error", err)
	}

	if closeErr != nil {
		r.logger.Warn("worker close failed", "session_id", sessionID, "error", closeErr)
	}
	return closeErr
}

// CloseAll tears down every worker concurrently, bounded by ctx. It returns
// when all closes finish or the context expires, whichever comes first.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- r.Close(ctx, id) }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return fmt.Errorf("close worker %s: %w", id, ctx.Err())
			}
		})
	}

	finished := make(chan error, 1)
	go func() { finished <- g.Wait() }()
	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
		return fmt.Errorf("close all workers: %w", ctx.Err())
	}
}

// ActiveCount reports how many workers are live.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CleanupResource implements the session manager's resource cleanup hook.
// The session is gone for good, so the per-session bookkeeping that Close
// keeps for worker recreation goes with it.
func (r *Registry) CleanupResource(ctx context.Context, sessionID, resource string) error {
	err := r.Close(ctx, sessionID)
	r.mu.Lock()
	delete(r.creating, sessionID)
	delete(r.savedURLs, sessionID)
	delete(r.stops, sessionID)
	r.mu.Unlock()
	return err
}

// RequestStop raises the session's cooperative stop flag.
func (r *Registry) RequestStop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops[sessionID] = true
}

// IsStopRequested reports the session's stop flag.
func (r *Registry) IsStopRequested(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops[sessionID]
}

// ClearStop lowers the session's stop flag before a new request runs.
func (r *Registry) ClearStop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stops, sessionID)
}
