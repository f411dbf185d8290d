package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/surfdeck/surfdeck/internal/models"
)

// ErrNotFound is returned when a session does not exist in the store.
var ErrNotFound = errors.New("session not found")

// ErrUnavailable wraps backend I/O failures that persisted after a retry.
// Callers on the request path treat it like a missing session.
var ErrUnavailable = errors.New("session store unavailable")

// SessionStore persists session records. Implementations must be safe for
// concurrent use.
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Set(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*models.Session, error)
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}

// NewID generates a sortable unique session ID.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}
