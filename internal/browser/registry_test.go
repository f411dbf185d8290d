package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdeck/surfdeck/internal/models"
)

// fakeRPC scripts worker tool replies.
type fakeRPC struct {
	mu         sync.Mutex
	currentURL string
	broken     bool
	hangClose  bool
	calls      []string
	closed     bool
}

func (f *fakeRPC) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Params.Name)
	broken := f.broken
	url := f.currentURL
	f.mu.Unlock()

	if broken {
		return nil, errors.New("worker process exited")
	}

	switch req.Params.Name {
	case ToolInitializeBrowser:
		args, _ := req.Params.Arguments.(map[string]any)
		target, _ := args["url"].(string)
		f.mu.Lock()
		f.currentURL = target
		f.mu.Unlock()
		return jsonResult(map[string]any{"status": "success", "current_url": target}), nil
	case ToolGetBrowserInfo:
		return jsonResult(map[string]any{"status": "success", "current_url": url, "page_title": "Example"}), nil
	case ToolCloseBrowser:
		return jsonResult(map[string]any{"status": "success"}), nil
	default:
		return jsonResult(map[string]any{"status": "success"}), nil
	}
}

func (f *fakeRPC) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: []mcp.Tool{
		{Name: ToolNavigate}, {Name: ToolAct}, {Name: ToolExtractData},
		{Name: ToolGetBrowserInfo}, {Name: ToolCloseBrowser},
	}}, nil
}

func (f *fakeRPC) Close() error {
	if f.hangClose {
		select {} // never returns
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func jsonResult(v map[string]any) *mcp.CallToolResult {
	data, _ := json.Marshal(v)
	return mcp.NewToolResultText(string(data))
}

// fakeDialer counts how many workers were spawned.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int32
	last    *fakeRPC
	failing bool
	mutate  func(*fakeRPC)
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string) (RPC, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.failing {
		return nil, errors.New("spawn failed")
	}
	rpc := &fakeRPC{}
	if d.mutate != nil {
		d.mutate(rpc)
	}
	d.mu.Lock()
	d.last = rpc
	d.mu.Unlock()
	return rpc, nil
}

// fakeSessions accepts every session ID.
type fakeSessions struct {
	mu        sync.Mutex
	resources map[string][]string
	invalid   map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{resources: make(map[string][]string), invalid: make(map[string]bool)}
}

func (f *fakeSessions) Validate(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid[id] {
		return nil, errors.New("session not found or expired")
	}
	return &models.Session{ID: id, State: models.SessionStateActive}, nil
}

func (f *fakeSessions) AddResource(ctx context.Context, sessionID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[sessionID] = append(f.resources[sessionID], resourceID)
	return nil
}

func (f *fakeSessions) RemoveResource(ctx context.Context, sessionID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	for _, r := range f.resources[sessionID] {
		if r != resourceID {
			kept = append(kept, r)
		}
	}
	f.resources[sessionID] = kept
	return nil
}

func newTestRegistry(t *testing.T, dialer Dialer, opts Options) (*Registry, *fakeSessions, *StateManager) {
	t.Helper()
	sess := newFakeSessions()
	state := NewStateManager(nil)
	reg := NewRegistry(sess, state, dialer, nil, opts, nil)
	return reg, sess, state
}

func TestGetOrCreateWorker_SingleWorkerUnderConcurrency(t *testing.T) {
	dialer := &fakeDialer{}
	reg, sess, state := newTestRegistry(t, dialer, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	conns := make([]*Connection, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := reg.GetOrCreateWorker(ctx, "s1")
			require.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.dials), "exactly one worker must be spawned")
	for _, c := range conns[1:] {
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, models.BrowserStatusInitialized, state.Get("s1").Status)
	assert.Equal(t, []string{"browser:s1"}, sess.resources["s1"])
}

func TestGetOrCreateWorker_RecreatesNonFunctionalWorker(t *testing.T) {
	dialer := &fakeDialer{}
	reg, _, _ := newTestRegistry(t, dialer, Options{ProbeTimeout: 100 * time.Millisecond, CloseTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	first, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)

	// Break the live worker: probes now fail.
	dialer.mu.Lock()
	dialer.last.mu.Lock()
	dialer.last.broken = true
	dialer.last.mu.Unlock()
	dialer.mu.Unlock()

	second, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dialer.dials))
}

func TestGetOrCreateWorker_InvalidSession(t *testing.T) {
	dialer := &fakeDialer{}
	reg, sess, _ := newTestRegistry(t, dialer, Options{})

	sess.mu.Lock()
	sess.invalid["ghost"] = true
	sess.mu.Unlock()

	_, err := reg.GetOrCreateWorker(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&dialer.dials))
}

func TestGetOrCreateWorker_SpawnFailureMarksError(t *testing.T) {
	dialer := &fakeDialer{failing: true}
	reg, _, state := newTestRegistry(t, dialer, Options{})

	_, err := reg.GetOrCreateWorker(context.Background(), "s1")
	require.ErrorIs(t, err, ErrWorkerUnavailable)
	assert.Equal(t, models.BrowserStatusError, state.Get("s1").Status)

	// Recovery: a later attempt starts a fresh generation.
	dialer.failing = false
	_, err = reg.GetOrCreateWorker(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.BrowserStatusInitialized, state.Get("s1").Status)
}

func TestClose_SavesURLForRestartAndAlwaysRemoves(t *testing.T) {
	dialer := &fakeDialer{}
	reg, sess, state := newTestRegistry(t, dialer, Options{URLTimeout: 200 * time.Millisecond, CloseTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	conn, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)

	// Simulate the user navigating somewhere.
	dialer.last.mu.Lock()
	dialer.last.currentURL = "https://example.com/cart"
	dialer.last.mu.Unlock()

	require.NoError(t, reg.Close(ctx, "s1"))
	assert.Equal(t, 0, reg.ActiveCount())
	assert.Nil(t, state.Get("s1"))
	assert.Empty(t, sess.resources["s1"])
	_ = conn

	// The next worker resumes at the saved URL.
	next, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)
	info, err := next.BrowserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cart", info["current_url"])
}

func TestClose_BoundedWhenWorkerHangs(t *testing.T) {
	dialer := &fakeDialer{mutate: func(r *fakeRPC) { r.hangClose = true }}
	reg, _, _ := newTestRegistry(t, dialer, Options{
		URLTimeout:   50 * time.Millisecond,
		CloseTimeout: 100 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)

	start := time.Now()
	err = reg.Close(ctx, "s1")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "close must be bounded by its timeout")
	assert.Equal(t, 0, reg.ActiveCount(), "connection must be removed even when close hangs")
}

func TestCloseAll_BoundedWithHangingWorker(t *testing.T) {
	dialer := &fakeDialer{mutate: func(r *fakeRPC) { r.hangClose = true }}
	reg, _, _ := newTestRegistry(t, dialer, Options{
		URLTimeout:   50 * time.Millisecond,
		CloseTimeout: 10 * time.Second, // close itself would wait a long time
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := reg.GetOrCreateWorker(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := reg.CloseAll(shutdownCtx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second, "CloseAll must return within its deadline")
}

func TestStopFlags(t *testing.T) {
	dialer := &fakeDialer{}
	reg, _, _ := newTestRegistry(t, dialer, Options{})

	assert.False(t, reg.IsStopRequested("s1"))
	reg.RequestStop("s1")
	assert.True(t, reg.IsStopRequested("s1"))
	assert.False(t, reg.IsStopRequested("s2"))
	reg.ClearStop("s1")
	assert.False(t, reg.IsStopRequested("s1"))
}

func TestCleanupResource_ClosesWorker(t *testing.T) {
	dialer := &fakeDialer{}
	reg, _, _ := newTestRegistry(t, dialer, Options{CloseTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	_, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, reg.CleanupResource(ctx, "s1", "browser:s1"))
	assert.Equal(t, 0, reg.ActiveCount())
}

func TestCleanupResource_DropsSessionBookkeeping(t *testing.T) {
	dialer := &fakeDialer{}
	reg, _, _ := newTestRegistry(t, dialer, Options{
		URLTimeout:   200 * time.Millisecond,
		CloseTimeout: 200 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)

	// Populate every per-session map: a saved URL via Close and a stop flag.
	dialer.last.mu.Lock()
	dialer.last.currentURL = "https://example.com/checkout"
	dialer.last.mu.Unlock()
	reg.RequestStop("s1")

	require.NoError(t, reg.CleanupResource(ctx, "s1", "browser:s1"))

	reg.mu.Lock()
	_, hasLock := reg.creating["s1"]
	_, hasURL := reg.savedURLs["s1"]
	reg.mu.Unlock()
	assert.False(t, hasLock, "creation lock must not outlive the session")
	assert.False(t, hasURL, "saved URL must not outlive the session")
	assert.False(t, reg.IsStopRequested("s1"))
}

func TestMaxConcurrentWorkers(t *testing.T) {
	dialer := &fakeDialer{}
	reg, _, _ := newTestRegistry(t, dialer, Options{MaxConcurrent: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := reg.GetOrCreateWorker(ctx, "s1")
	require.NoError(t, err)
	_, err = reg.GetOrCreateWorker(ctx, "s2")
	require.NoError(t, err)

	// The third creation blocks on the semaphore until the context expires.
	_, err = reg.GetOrCreateWorker(ctx, "s3")
	require.ErrorIs(t, err, ErrWorkerUnavailable)
}
