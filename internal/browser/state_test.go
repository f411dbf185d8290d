package browser

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdeck/surfdeck/internal/models"
)

func statusPtr(s models.BrowserStatus) *models.BrowserStatus { return &s }
func strPtr(s string) *string                                { return &s }
func boolPtr(b bool) *bool                                   { return &b }

func TestUpdate_PartialFields(t *testing.T) {
	m := NewStateManager(nil)

	state, err := m.Update("s1", models.BrowserStateChange{
		Status:   statusPtr(models.BrowserStatusInitializing),
		Headless: boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, models.BrowserStatusInitializing, state.Status)
	assert.True(t, state.Headless)
	assert.False(t, state.LastUpdated.IsZero())

	// Updating only the URL leaves status and headless untouched.
	state, err = m.Update("s1", models.BrowserStateChange{CurrentURL: strPtr("https://example.com")})
	require.NoError(t, err)
	assert.Equal(t, models.BrowserStatusInitializing, state.Status)
	assert.True(t, state.Headless)
	assert.Equal(t, "https://example.com", state.CurrentURL)
}

func TestUpdate_InitializedAtSetOnce(t *testing.T) {
	m := NewStateManager(nil)

	_, err := m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitializing)})
	require.NoError(t, err)
	state, err := m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitialized)})
	require.NoError(t, err)
	require.NotNil(t, state.InitializedAt)
	first := *state.InitializedAt

	// Navigating and returning to initialized must not reset the timestamp.
	_, err = m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusNavigating)})
	require.NoError(t, err)
	state, err = m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitialized)})
	require.NoError(t, err)
	assert.Equal(t, first, *state.InitializedAt)
}

func TestUpdate_ClosedIsTerminal(t *testing.T) {
	m := NewStateManager(nil)

	_, err := m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitializing)})
	require.NoError(t, err)
	_, err = m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusClosed)})
	require.NoError(t, err)

	_, err = m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusNavigating)})
	assert.Error(t, err)

	// A fresh initialize starts a new generation.
	state, err := m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitializing)})
	require.NoError(t, err)
	assert.Equal(t, models.BrowserStatusInitializing, state.Status)
	assert.Nil(t, state.InitializedAt)
}

func TestUpdate_IllegalTransitionRejected(t *testing.T) {
	m := NewStateManager(nil)

	_, err := m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitialized)})
	require.NoError(t, err)

	// Backwards to initializing within the same generation is illegal.
	_, err = m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitializing)})
	assert.Error(t, err)
}

func TestCallbacks_AllNotifiedDespitePanic(t *testing.T) {
	m := NewStateManager(nil)

	var mu sync.Mutex
	var got []string
	m.OnChange(func(s *models.BrowserState) { panic("boom") })
	m.OnChange(func(s *models.BrowserState) {
		mu.Lock()
		got = append(got, string(s.Status))
		mu.Unlock()
	})

	_, err := m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitializing)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"initializing"}, got)
}

func TestActiveSessions(t *testing.T) {
	m := NewStateManager(nil)

	_, err := m.Update("a", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitialized)})
	require.NoError(t, err)
	_, err = m.Update("b", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusNavigating)})
	require.NoError(t, err)
	_, err = m.Update("c", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusError)})
	require.NoError(t, err)

	active := m.ActiveSessions()
	assert.ElementsMatch(t, []string{"a", "b"}, active)
}

func TestRemove_ForcesClosedAndNotifies(t *testing.T) {
	m := NewStateManager(nil)

	var mu sync.Mutex
	var last models.BrowserStatus
	m.OnChange(func(s *models.BrowserState) {
		mu.Lock()
		last = s.Status
		mu.Unlock()
	})

	_, err := m.Update("s1", models.BrowserStateChange{Status: statusPtr(models.BrowserStatusInitialized)})
	require.NoError(t, err)

	m.Remove("s1")
	assert.Nil(t, m.Get("s1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.BrowserStatusClosed, last)
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	m := NewStateManager(nil)

	_, err := m.Update("s1", models.BrowserStateChange{
		Status:     statusPtr(models.BrowserStatusInitialized),
		CurrentURL: strPtr("https://example.com"),
	})
	require.NoError(t, err)

	snap := m.Get("s1")
	snap.CurrentURL = "mutated"

	again := m.Get("s1")
	assert.Equal(t, "https://example.com", again.CurrentURL)
}
