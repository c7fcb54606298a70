package orchestration

import (
	"fmt"
	"sort"
	"sync"

	"evalgo.org/vmcrate/internal/backend"
	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/models"
)

// BackendRegistry hands out backend adapters, one per kind. Adapters are
// created on first use so that a missing tool or credential only affects
// requests that target that backend.
//
// Thread-safe for concurrent access.
type BackendRegistry struct {
	cfg      *config.Config
	deps     backend.Deps
	backends map[models.BackendKind]backend.Backend
	mu       sync.RWMutex
}

// NewBackendRegistry creates a registry building adapters from cfg and deps.
func NewBackendRegistry(cfg *config.Config, deps backend.Deps) *BackendRegistry {
	return &BackendRegistry{
		cfg:      cfg,
		deps:     deps,
		backends: make(map[models.BackendKind]backend.Backend),
	}
}

// Register installs b for its kind, replacing any existing adapter.
func (r *BackendRegistry) Register(b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backends[b.Kind()] = b
}

// Get returns the adapter for kind.
func (r *BackendRegistry) Get(kind models.BackendKind) (backend.Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[kind]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[kind]; ok {
		return b, nil
	}
	if r.cfg == nil {
		return nil, fmt.Errorf("no backend registered for %s", kind)
	}
	b, err := backend.New(kind, r.cfg, r.deps)
	if err != nil {
		return nil, err
	}
	r.backends[kind] = b
	return b, nil
}

// Kinds returns the kinds with an adapter already created, sorted.
func (r *BackendRegistry) Kinds() []models.BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]models.BackendKind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

