// Package tempfile manages the ephemeral files used to feed oversized prompts
// to the agent process through stdin.
package tempfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// Manager creates prompt files under a process-private directory. The
// directory is created lazily on first use with owner-only permissions.
type Manager struct {
	root string

	mu  sync.Mutex
	dir string
}

// Handle references one acquired prompt file.
type Handle struct {
	path     string
	size     int
	released bool
	mu       sync.Mutex
}

// Path returns the file path of the handle.
func (h *Handle) Path() string {
	return h.path
}

// Size returns the number of bytes written to the file.
func (h *Handle) Size() int {
	return h.size
}

// Open opens the prompt file for reading.
func (h *Handle) Open() (*os.File, error) {
	return os.Open(h.path)
}

// NewManager creates a Manager rooted at root. An empty root uses os.TempDir.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Acquire writes content to a new uniquely named file and returns its handle.
// Any filesystem failure is reported as a resource_error.
func (m *Manager) Acquire(ctx context.Context, content string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewInvocationError(domain.FailureCancelled, "acquire cancelled", err)
	}

	dir, err := m.ensureDir()
	if err != nil {
		return nil, domain.NewInvocationError(domain.FailureResource, "failed to create temp directory", err)
	}

	f, err := os.CreateTemp(dir, "prompt-*.txt")
	if err != nil {
		return nil, domain.NewInvocationError(domain.FailureResource, "failed to create temp file", err)
	}
	name := f.Name()

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(name)
		return nil, domain.NewInvocationError(domain.FailureResource, "failed to write temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return nil, domain.NewInvocationError(domain.FailureResource, "failed to close temp file", err)
	}

	return &Handle{path: name, size: len(content)}, nil
}

// Release deletes the handle's file. It never fails the caller: errors are
// logged and a second Release is a no-op.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).WithField("path", h.path).Warn("failed to remove prompt file")
	}
}

// Dir returns the private directory, or "" if nothing was acquired yet.
func (m *Manager) Dir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// Close removes the private directory and anything left in it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir == "" {
		return nil
	}
	err := os.RemoveAll(m.dir)
	m.dir = ""
	return err
}

func (m *Manager) ensureDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dir != "" {
		if _, err := os.Stat(m.dir); err == nil {
			return m.dir, nil
		}
	}
	dir, err := os.MkdirTemp(m.root, "agentbridge-")
	if err != nil {
		return "", fmt.Errorf("mkdir temp: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("chmod temp dir: %w", err)
	}
	m.dir = dir
	return dir, nil
}
