// Package daemon tracks the background server process through its pid file.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile records which process owns the background server. The file holds a
// single decimal pid.
type PIDFile struct {
	Path string
}

// New returns a PIDFile at the given path. Nothing is touched on disk until
// Write.
func New(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records pid as the owning process, creating parent directories as
// needed.
func (p *PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid. A missing file means no daemon was started.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	content := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(content)
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %q is not a pid", p.Path, content)
	}
	return pid, nil
}

// Remove deletes the pid file. A file that is already gone is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
