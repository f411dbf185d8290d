package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/events"
	"github.com/surfdeck/surfdeck/internal/models"
	"github.com/surfdeck/surfdeck/internal/sessions"
	"github.com/surfdeck/surfdeck/internal/store"
	"github.com/surfdeck/surfdeck/internal/tasks"
)

// fakeProcessor records chat calls and returns a scripted result.
type fakeProcessor struct {
	result    *tasks.Result
	err       error
	message   string
	sessionID string
	calls     int
}

func (f *fakeProcessor) ProcessRequest(ctx context.Context, userMessage, sessionID string) (*tasks.Result, error) {
	f.calls++
	f.message = userMessage
	f.sessionID = sessionID
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &tasks.Result{Status: tasks.StatusSuccess, Answer: "done"}, nil
}

// stubDialer fails every dial. The API tests never need a live worker.
type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, sessionID string) (browser.RPC, error) {
	return nil, errors.New("no worker in tests")
}

type apiEnv struct {
	server    *Server
	router    http.Handler
	sessions  *sessions.Manager
	registry  *browser.Registry
	state     *browser.StateManager
	broker    *events.Broker
	processor *fakeProcessor
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	sm := sessions.NewManager(store.NewMemoryStore(), time.Hour, nil)
	state := browser.NewStateManager(nil)
	broker := events.NewBroker(nil)
	registry := browser.NewRegistry(sm, state, stubDialer{}, broker, browser.Options{}, nil)
	processor := &fakeProcessor{}

	server := NewServer(sm, registry, state, broker, processor, nil)
	return &apiEnv{
		server:    server,
		router:    server.Router(),
		sessions:  sm,
		registry:  registry,
		state:     state,
		broker:    broker,
		processor: processor,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestChatCreatesSession(t *testing.T) {
	env := newAPIEnv(t)
	env.processor.result = &tasks.Result{
		Status: tasks.StatusSuccess,
		Answer: "Hello!",
		URL:    "https://example.com",
	}

	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	assert.NotEmpty(t, payload["session_id"])
	assert.Equal(t, "Hello!", payload["answer"])
	assert.Equal(t, "https://example.com", payload["url"])

	assert.Equal(t, "hi", env.processor.message)
	assert.Equal(t, payload["session_id"], env.processor.sessionID)

	// The session is now live.
	_, err := env.sessions.Validate(context.Background(), env.processor.sessionID)
	assert.NoError(t, err)
}

func TestChatReusesSession(t *testing.T) {
	env := newAPIEnv(t)
	session, err := env.sessions.GetOrCreate(context.Background(), "")
	require.NoError(t, err)

	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi again", SessionID: session.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	assert.Equal(t, session.ID, payload["session_id"])
	assert.Equal(t, session.ID, env.processor.sessionID)
}

func TestChatRequiresMessage(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.processor.calls)
}

func TestChatRejectsInvalidJSON(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/chat", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatProcessorFailure(t *testing.T) {
	env := newAPIEnv(t)
	env.processor.err = errors.New("pipeline exploded")

	rec := env.do(t, "POST", "/api/v1/chat", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "pipeline exploded")
}

func TestStopAgent(t *testing.T) {
	env := newAPIEnv(t)
	session, err := env.sessions.GetOrCreate(context.Background(), "")
	require.NoError(t, err)

	rec := env.do(t, "POST", "/api/v1/agent/"+session.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "stopping", decodeBody(t, rec)["status"])
	assert.True(t, env.registry.IsStopRequested(session.ID))

	// The stop is announced on the thought stream.
	sub := env.broker.Subscribe(session.ID)
	defer sub.Close()
	select {
	case thought := <-sub.C():
		assert.Equal(t, events.TypeThought, thought.Type)
		assert.Contains(t, thought.Content, "Stop requested")
	default:
		t.Fatal("expected a queued stop thought")
	}
}

func TestStopAgentUnknownSession(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "POST", "/api/v1/agent/nope/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.registry.IsStopRequested("nope"))
}

func TestBrowserStatusUntracked(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/api/v1/browser/ghost/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	assert.Equal(t, "uninitialized", payload["status"])
	assert.Equal(t, "ghost", payload["session_id"])
}

func TestBrowserStatusTracked(t *testing.T) {
	env := newAPIEnv(t)

	initializing := models.BrowserStatusInitializing
	_, err := env.state.Update("s1", models.BrowserStateChange{Status: &initializing})
	require.NoError(t, err)

	initialized := models.BrowserStatusInitialized
	url := "https://example.com"
	title := "Example"
	headless := true
	_, err = env.state.Update("s1", models.BrowserStateChange{
		Status:     &initialized,
		CurrentURL: &url,
		PageTitle:  &title,
		Headless:   &headless,
	})
	require.NoError(t, err)

	rec := env.do(t, "GET", "/api/v1/browser/s1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	assert.Equal(t, "initialized", payload["status"])
	assert.Equal(t, "https://example.com", payload["current_url"])
	assert.Equal(t, "Example", payload["page_title"])
	assert.Equal(t, true, payload["headless"])
	assert.NotEmpty(t, payload["last_updated"])
}

func TestCloseBrowserWithoutWorker(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "POST", "/api/v1/browser/s1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decodeBody(t, rec)["status"])
}

func TestListSessions(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "GET", "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, float64(0), payload["count"])
	assert.NotNil(t, payload["sessions"])

	_, err := env.sessions.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	_, err = env.sessions.GetOrCreate(context.Background(), "")
	require.NoError(t, err)

	rec = env.do(t, "GET", "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
}

func TestTerminateSession(t *testing.T) {
	env := newAPIEnv(t)
	session, err := env.sessions.GetOrCreate(context.Background(), "")
	require.NoError(t, err)

	rec := env.do(t, "DELETE", "/api/v1/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = env.sessions.Validate(context.Background(), session.ID)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func TestTerminateSessionIsIdempotent(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "DELETE", "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, float64(0), payload["active_workers"])
}

func TestCORSPreflight(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest("OPTIONS", "/api/v1/chat", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamFlushesQueuedThoughts(t *testing.T) {
	env := newAPIEnv(t)

	// Thoughts published before the client connects are queued by the broker
	// and must arrive first.
	env.broker.Publish(events.Thought{
		SessionID: "s1",
		Type:      events.TypeAnswer,
		Node:      events.NodeSupervisor,
		Content:   "All done.",
	})
	env.broker.Complete("s1")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/v1/stream/s1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		env.router.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: answer")
	assert.Contains(t, body, "All done.")
	assert.Contains(t, body, "event: complete")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
