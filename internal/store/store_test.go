package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdeck/surfdeck/internal/models"
)

func newSession(id string, ttl time.Duration) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:           id,
		State:        models.SessionStateActive,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
		Metadata:     map[string]string{"origin": "test"},
	}
}

// backends returns one fresh store per implementation so the contract tests
// run against all of them.
func backends(t *testing.T) map[string]SessionStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	file, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]SessionStore{
		"memory": NewMemoryStore(),
		"file":   file,
		"sqlite": sqlite,
	}
}

func TestSessionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			session := newSession(NewID(), time.Hour)
			session.Resources = []string{"browser:" + session.ID}

			require.NoError(t, s.Set(ctx, session))

			got, err := s.Get(ctx, session.ID)
			require.NoError(t, err)
			assert.Equal(t, session.ID, got.ID)
			assert.Equal(t, models.SessionStateActive, got.State)
			assert.Equal(t, "test", got.Metadata["origin"])
			assert.Equal(t, []string{"browser:" + session.ID}, got.Resources)
			assert.WithinDuration(t, session.ExpiresAt, got.ExpiresAt, time.Second)
		})
	}
}

func TestSessionStore_GetMissing(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "no-such-session")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSessionStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			session := newSession(NewID(), time.Hour)
			require.NoError(t, s.Set(ctx, session))
			require.NoError(t, s.Delete(ctx, session.ID))
			require.NoError(t, s.Delete(ctx, session.ID))

			_, err := s.Get(ctx, session.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSessionStore_ListActiveSkipsExpiredAndTerminated(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			live := newSession(NewID(), time.Hour)
			expired := newSession(NewID(), -time.Minute)
			terminated := newSession(NewID(), time.Hour)
			terminated.State = models.SessionStateTerminated

			require.NoError(t, s.Set(ctx, live))
			require.NoError(t, s.Set(ctx, expired))
			require.NoError(t, s.Set(ctx, terminated))

			active, err := s.ListActive(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, live.ID, active[0].ID)
		})
	}
}

func TestSessionStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			live := newSession(NewID(), time.Hour)
			require.NoError(t, s.Set(ctx, live))
			for i := 0; i < 3; i++ {
				require.NoError(t, s.Set(ctx, newSession(NewID(), -time.Minute)))
			}

			removed, err := s.CleanupExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, removed)

			_, err = s.Get(ctx, live.ID)
			assert.NoError(t, err)
		})
	}
}

func TestSessionStore_UpsertSlidesExpiry(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			session := newSession(NewID(), time.Minute)
			require.NoError(t, s.Set(ctx, session))

			session.Touch(time.Now().UTC(), 2*time.Hour)
			require.NoError(t, s.Set(ctx, session))

			got, err := s.Get(ctx, session.ID)
			require.NoError(t, err)
			assert.True(t, got.ExpiresAt.After(time.Now().UTC().Add(time.Hour)))
		})
	}
}

func TestNewID_SortableAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		require.False(t, seen[id], fmt.Sprintf("duplicate id %s", id))
		seen[id] = true
		assert.Len(t, id, 26)
	}
}
