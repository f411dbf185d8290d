package models

import "time"

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	SessionStateActive     SessionState = "active"
	SessionStateExpired    SessionState = "expired"
	SessionStateTerminated SessionState = "terminated"
)

// Session is one isolated unit of user interaction. Each session owns its
// conversation history, browser state, and at most one worker process.
type Session struct {
	ID           string            `json:"id"`
	State        SessionState      `json:"state"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastAccessed time.Time         `json:"lastAccessed"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Resources    []string          `json:"resources,omitempty"`
}

// IsExpired reports whether the session's TTL has elapsed.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Usable reports whether the session can serve requests.
func (s *Session) Usable(now time.Time) bool {
	return s.State == SessionStateActive && !s.IsExpired(now)
}

// Touch slides the session's expiry window forward.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.LastAccessed = now
	s.ExpiresAt = now.Add(ttl)
}

// HasResource reports whether the session already tracks the resource ID.
func (s *Session) HasResource(id string) bool {
	for _, r := range s.Resources {
		if r == id {
			return true
		}
	}
	return false
}
