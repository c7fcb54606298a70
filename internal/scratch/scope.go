// Package scratch provides scoped transient files. Every file created
// through a Scope is removed by Close, whatever path the caller leaves by.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Scope owns the transient files created for one request.
type Scope struct {
	dir string

	mu     sync.Mutex
	paths  []string
	closed bool
}

// NewScope creates a scope writing into dir (the OS temp dir when empty).
func NewScope(dir string) *Scope {
	return &Scope{dir: dir}
}

// WriteFile creates a new file named after pattern (see os.CreateTemp),
// writes data with 0600 permissions and returns its path. The file is owned
// by the scope.
func (s *Scope) WriteFile(pattern string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.New("scratch scope already closed")
	}

	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return "", fmt.Errorf("failed to create scratch dir: %w", err)
		}
	}

	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}
	s.paths = append(s.paths, f.Name())

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to set scratch file permissions: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close scratch file: %w", err)
	}

	return f.Name(), nil
}

// Close removes every file the scope created. It is safe to call more than
// once; later calls are no-ops.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, p := range s.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.paths = nil
	return errors.Join(errs...)
}
