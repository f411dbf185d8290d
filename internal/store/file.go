package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/surfdeck/surfdeck/internal/models"
)

// FileStore persists each session as one JSON file under a directory.
// Writes go through a temp file and rename so a crash never leaves a
// half-written session on disk.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the storage directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (f *FileStore) Set(ctx context.Context, session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	tmp := f.path(session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", session.ID, err)
	}
	if err := os.Rename(tmp, f.path(session.ID)); err != nil {
		return fmt.Errorf("commit session %s: %w", session.ID, err)
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	sessions, err := f.readAll()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []*models.Session
	for _, s := range sessions {
		if s.Usable(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FileStore) CleanupExpired(ctx context.Context) (int, error) {
	sessions, err := f.readAll()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	removed := 0
	for _, s := range sessions {
		if s.IsExpired(now) || s.State == models.SessionStateTerminated {
			if err := f.Delete(ctx, s.ID); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) readAll() ([]*models.Session, error) {
	f.mu.Lock()
	entries, err := os.ReadDir(f.dir)
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var out []*models.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		s, err := f.Get(context.Background(), id)
		if err != nil {
			// Skip corrupted or concurrently removed files.
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
