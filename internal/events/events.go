package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Thought types emitted by the processing pipeline.
const (
	TypeThought  = "thought"
	TypeAnswer   = "answer"
	TypeError    = "error"
	TypeComplete = "complete"
)

// Pipeline nodes that emit thoughts.
const (
	NodeClassifier = "classifier"
	NodeExecutor   = "executor"
	NodeAgent      = "agent"
	NodeBrowser    = "browser"
	NodeSupervisor = "supervisor"
)

// Thought is one observable step of request processing, streamed to clients
// over SSE while the pipeline runs.
type Thought struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"sessionId"`
	Type             string         `json:"type"`
	Category         string         `json:"category,omitempty"`
	Node             string         `json:"node,omitempty"`
	Content          string         `json:"content"`
	TechnicalDetails map[string]any `json:"technicalDetails,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

const (
	// subscriberBuffer is the channel capacity per live subscriber.
	subscriberBuffer = 256
	// pendingLimit bounds thoughts queued before any subscriber connects.
	pendingLimit = 512
)

// Subscription is one client's live feed for a session.
type Subscription struct {
	ch     chan Thought
	cancel func()
	once   sync.Once
}

// C returns the thought channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Thought { return s.ch }

// Close detaches the subscription from the broker.
func (s *Subscription) Close() { s.once.Do(s.cancel) }

// Broker fans thoughts out to per-session subscribers. Publishing never
// blocks: thoughts for sessions with no subscriber are queued up to a limit
// and flushed on the next Subscribe; saturated subscribers drop and count.
type Broker struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	pending map[string][]Thought
	dropped map[string]int
	logger  *slog.Logger
}

// NewBroker creates an empty thought broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:    make(map[string]map[*Subscription]struct{}),
		pending: make(map[string][]Thought),
		dropped: make(map[string]int),
		logger:  logger,
	}
}

// Publish delivers a thought to the session's subscribers without blocking.
func (b *Broker) Publish(t Thought) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[t.SessionID]
	if len(subs) == 0 {
		q := b.pending[t.SessionID]
		if len(q) >= pendingLimit {
			b.dropped[t.SessionID]++
			return
		}
		b.pending[t.SessionID] = append(q, t)
		return
	}

	for sub := range subs {
		select {
		case sub.ch <- t:
		default:
			b.dropped[t.SessionID]++
		}
	}
}

// Subscribe attaches a new subscriber for the session. Thoughts queued while
// no subscriber was connected are flushed into the new channel first.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan Thought, subscriberBuffer)}
	sub.cancel = func() { b.unsubscribe(sessionID, sub) }

	for _, t := range b.pending[sessionID] {
		select {
		case sub.ch <- t:
		default:
			b.dropped[sessionID]++
		}
	}
	delete(b.pending, sessionID)

	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*Subscription]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	return sub
}

func (b *Broker) unsubscribe(sessionID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[sessionID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// Complete publishes the terminal control event for one request.
func (b *Broker) Complete(sessionID string) {
	b.Publish(Thought{
		SessionID: sessionID,
		Type:      TypeComplete,
		Content:   "complete",
	})
}

// Dropped reports how many thoughts were discarded for a session.
func (b *Broker) Dropped(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[sessionID]
}

// Forget discards queued thoughts and drop counters for a session.
func (b *Broker) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, sessionID)
	delete(b.dropped, sessionID)
}
