package tasks

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/models"
)

func TestNavigationExecutor(t *testing.T) {
	env := newTestEnv(t)
	exec := NewNavigationExecutor(env.registry, env.state, env.broker, slog.Default())

	result, err := exec.Execute(context.Background(), "sess-1", "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "https://example.com", result.URL)
	assert.Contains(t, result.Answer, "https://example.com")

	state := env.state.Get("sess-1")
	require.NotNil(t, state)
	assert.Equal(t, models.BrowserStatusInitialized, state.Status)
	assert.Equal(t, "https://example.com", state.CurrentURL)
}

func TestNavigationExecutorDefaultsURL(t *testing.T) {
	env := newTestEnv(t)
	exec := NewNavigationExecutor(env.registry, env.state, env.broker, slog.Default())

	result, err := exec.Execute(context.Background(), "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, defaultNavigateURL, result.URL)
}

func TestNavigationExecutorWorkerError(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.replies[browser.ToolNavigate] = map[string]any{
		"status": "error", "message": "net::ERR_NAME_NOT_RESOLVED",
	}
	exec := NewNavigationExecutor(env.registry, env.state, env.broker, slog.Default())

	result, err := exec.Execute(context.Background(), "sess-1", "https://no.such.host")
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Answer, "couldn't open")
	assert.Contains(t, result.Answer, "ERR_NAME_NOT_RESOLVED")
}

func TestActionExecutor(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.replies[browser.ToolAct] = map[string]any{
		"status": "success", "message": "Clicked the submit button", "current_url": "https://example.com/done",
	}
	exec := NewActionExecutor(env.registry, env.state, env.broker, 3, slog.Default())

	result, err := exec.Execute(context.Background(), "sess-1", "click the submit button")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "Clicked the submit button", result.Answer)
	assert.Equal(t, "https://example.com/done", result.URL)
	assert.Equal(t, 1, env.rpc.callCount(browser.ToolAct))
}

func TestActionExecutorRanOutOfSteps(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.replies[browser.ToolAct] = map[string]any{
		"status": StatusInProgress, "message": "Filled two of four fields",
	}
	exec := NewActionExecutor(env.registry, env.state, env.broker, 3, slog.Default())

	result, err := exec.Execute(context.Background(), "sess-1", "fill out the form")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, result.Status)
	assert.Contains(t, result.Answer, "ran out of steps")
	assert.Contains(t, result.Answer, "Filled two of four fields")
}

func TestActionExecutorTransportFailureIsObservable(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.errs[browser.ToolAct] = errors.New("worker process exited")
	exec := NewActionExecutor(env.registry, env.state, env.broker, 3, slog.Default())

	// A mid-action transport failure is reported, not returned as an error.
	result, err := exec.Execute(context.Background(), "sess-1", "click the button")
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Answer, "The action failed")
}

func TestExecutorRejectsInvalidSession(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.invalid["sess-1"] = true
	exec := NewNavigationExecutor(env.registry, env.state, env.broker, slog.Default())

	_, err := exec.Execute(context.Background(), "sess-1", "https://example.com")
	require.Error(t, err)
	assert.Equal(t, 0, env.rpc.callCount(browser.ToolInitializeBrowser))
}
