package sessionclient

import (
	"context"
	"sync"
)

// KeyValueStore is the client-local persistent store backing TokenStore and
// PersistentCookieJar. A missing key reports found=false without an error.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryKeyValueStore keeps values in process memory; intended for tests and
// short-lived front-ends.
type MemoryKeyValueStore struct {
	mutex  sync.RWMutex
	values map[string]string
}

// NewMemoryKeyValueStore creates an empty in-memory store.
func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (store *MemoryKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	value, found := store.values[key]
	return value, found, nil
}

// Set stores value under key.
func (store *MemoryKeyValueStore) Set(ctx context.Context, key string, value string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.values[key] = value
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (store *MemoryKeyValueStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.values, key)
	return nil
}
