package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store persists per-session conversation histories. Histories are
// append-only; Clear is the only destructive operation.
type Store interface {
	Append(ctx context.Context, sessionID string, msg Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// MemoryStore keeps conversations in memory with a TTL on inactivity.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	messages map[string][]Message
	touched  map[string]time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStore creates an in-memory conversation store. A non-positive ttl
// disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:         ttl,
		messages:    make(map[string][]Message),
		touched:     make(map[string]time.Time),
		stopCleanup: make(chan struct{}),
	}
}

// StartCleanupLoop drops expired conversations in the background until Close.
// It is a no-op when expiry is disabled.
func (m *MemoryStore) StartCleanupLoop(interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupExpired()
			case <-m.stopCleanup:
				return
			}
		}
	}()
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	m.touched[sessionID] = time.Now()
	return nil
}

func (m *MemoryStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, sessionID)
	delete(m.touched, sessionID)
	return nil
}

// CleanupExpired drops conversations idle longer than the TTL.
func (m *MemoryStore) CleanupExpired() int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.ttl)
	removed := 0
	for id, at := range m.touched {
		if at.Before(cutoff) {
			delete(m.messages, id)
			delete(m.touched, id)
			removed++
		}
	}
	return removed
}

// Close stops the cleanup loop and drops all histories.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make(map[string][]Message)
	m.touched = make(map[string]time.Time)
	return nil
}

// FileStore persists each conversation as one JSON file. Appends rewrite the
// whole file through a temp-and-rename so readers never see partial JSON.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the storage directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(sessionID string) string {
	// Session IDs are ULIDs; guard against path tricks anyway.
	safe := strings.ReplaceAll(sessionID, string(filepath.Separator), "_")
	return filepath.Join(f.dir, safe+".json")
}

func (f *FileStore) Append(ctx context.Context, sessionID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs, err := f.read(sessionID)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", sessionID, err)
	}
	tmp := f.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write conversation %s: %w", sessionID, err)
	}
	if err := os.Rename(tmp, f.path(sessionID)); err != nil {
		return fmt.Errorf("commit conversation %s: %w", sessionID, err)
	}
	return nil
}

func (f *FileStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(sessionID)
}

func (f *FileStore) read(sessionID string) ([]Message, error) {
	data, err := os.ReadFile(f.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", sessionID, err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", sessionID, err)
	}
	return msgs, nil
}

func (f *FileStore) Clear(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear conversation %s: %w", sessionID, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
