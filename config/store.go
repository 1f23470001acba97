package config

import (
	"context"
	"slices"
	"sync"
)

// Store is a key-value store for configuration blobs.
type Store interface {
	// Get returns the blob stored under key, or nil and no error when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores blob under key.
	Set(ctx context.Context, key string, blob []byte) error
}

// Watcher is a Store that reports changes to a key.
type Watcher interface {
	// Watch calls changed after every change of key until ctx is done.
	Watch(ctx context.Context, key string, changed func()) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(blob), nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = slices.Clone(blob)
	return nil
}

// Follow loads the configuration under key each time w reports a change and passes it to fn,
// until ctx is done.
func Follow(ctx context.Context, store Store, w Watcher, key string, fn func(Config)) error {
	return w.Watch(ctx, key, func() {
		fn(Load(ctx, store, key))
	})
}
