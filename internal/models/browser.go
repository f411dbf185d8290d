package models

import "time"

// BrowserStatus represents where a session's browser worker is in its lifecycle.
type BrowserStatus string

const (
	BrowserStatusUninitialized BrowserStatus = "uninitialized"
	BrowserStatusInitializing  BrowserStatus = "initializing"
	BrowserStatusInitialized   BrowserStatus = "initialized"
	BrowserStatusNavigating    BrowserStatus = "navigating"
	BrowserStatusError         BrowserStatus = "error"
	BrowserStatusClosing       BrowserStatus = "closing"
	BrowserStatusClosed        BrowserStatus = "closed"
)

// rank orders statuses within a single worker generation. Navigating and
// initialized are peers: workers move between them while serving tasks.
var statusRank = map[BrowserStatus]int{
	BrowserStatusUninitialized: 0,
	BrowserStatusInitializing:  1,
	BrowserStatusInitialized:   2,
	BrowserStatusNavigating:    2,
	BrowserStatusError:         3,
	BrowserStatusClosing:       4,
	BrowserStatusClosed:        5,
}

// CanTransition reports whether moving from s to next is legal within one
// worker generation. Closed is terminal; a new generation starts with a fresh
// state record at initializing.
func (s BrowserStatus) CanTransition(next BrowserStatus) bool {
	if s == BrowserStatusClosed {
		return false
	}
	if s == next {
		return true
	}
	// Error can be left only by closing down.
	if s == BrowserStatusError {
		return next == BrowserStatusClosing || next == BrowserStatusClosed
	}
	// Any live state may jump to error, closing, or closed.
	switch next {
	case BrowserStatusError, BrowserStatusClosing, BrowserStatusClosed:
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// Active reports whether the browser can accept navigation or actions.
func (s BrowserStatus) Active() bool {
	return s == BrowserStatusInitialized || s == BrowserStatusNavigating
}

// BrowserState is the observable snapshot of one session's browser.
type BrowserState struct {
	SessionID     string        `json:"sessionId"`
	Status        BrowserStatus `json:"status"`
	CurrentURL    string        `json:"currentUrl,omitempty"`
	PageTitle     string        `json:"pageTitle,omitempty"`
	Headless      bool          `json:"headless"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	InitializedAt *time.Time    `json:"initializedAt,omitempty"`
	LastUpdated   time.Time     `json:"lastUpdated"`
}

// Clone returns a copy safe to hand to callbacks outside the state lock.
func (b *BrowserState) Clone() *BrowserState {
	c := *b
	if b.InitializedAt != nil {
		t := *b.InitializedAt
		c.InitializedAt = &t
	}
	return &c
}

// BrowserStateChange carries only the fields a caller wants to modify.
// Nil pointers mean "leave unchanged".
type BrowserStateChange struct {
	Status       *BrowserStatus
	CurrentURL   *string
	PageTitle    *string
	Headless     *bool
	ErrorMessage *string
}
