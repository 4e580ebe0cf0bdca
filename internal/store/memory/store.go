// Package memory implements an in-memory work description backend for tests
// and single-process development deployments.
package memory

import (
	"context"
	"sync"

	"github.com/nhsconnect/go-mhs/internal/store"
)

// Backend implements store.Backend with a mutex-guarded map. The conditional
// Put is atomic under the mutex, giving the same compare-and-swap contract
// as the MongoDB backend.
type Backend struct {
	mu      sync.Mutex
	records map[string]store.WorkDescription
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{records: make(map[string]store.WorkDescription)}
}

// Get implements store.Backend.
func (b *Backend) Get(ctx context.Context, key string) (*store.WorkDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		return nil, nil
	}
	copy := rec
	return &copy, nil
}

// Put implements store.Backend.
func (b *Backend) Put(ctx context.Context, wd *store.WorkDescription, expectedVersion int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.records[wd.MessageKey]
	if expectedVersion == 0 {
		if exists {
			return store.ErrVersionConflict
		}
	} else if !exists || current.Version != expectedVersion {
		return store.ErrVersionConflict
	}

	b.records[wd.MessageKey] = *wd
	return nil
}

// Ping implements store.Backend.
func (b *Backend) Ping(ctx context.Context) error { return nil }

// Close implements store.Backend.
func (b *Backend) Close(ctx context.Context) error { return nil }
