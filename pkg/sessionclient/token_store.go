package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultTokenStorageKey is the store key holding the serialized TokenPair.
const DefaultTokenStorageKey = "campus_auth_tokens"

var errStaleTokenWrite = errors.New("session.token_store.stale_write")

// TokenStore is the only owner of the persisted TokenPair. Reads are open to
// every component; writes are reserved to TokenIssuer and LogoutCoordinator.
type TokenStore struct {
	store      KeyValueStore
	storageKey string

	mutex    sync.RWMutex
	cached   *TokenPair
	revision uint64
}

// NewTokenStore wraps a key-value store. An empty key selects DefaultTokenStorageKey.
func NewTokenStore(store KeyValueStore, storageKey string) *TokenStore {
	if strings.TrimSpace(storageKey) == "" {
		storageKey = DefaultTokenStorageKey
	}
	return &TokenStore{store: store, storageKey: storageKey}
}

// Load reads the persisted pair. A missing key returns nil without error.
func (tokens *TokenStore) Load(ctx context.Context) (*TokenPair, error) {
	raw, found, err := tokens.store.Get(ctx, tokens.storageKey)
	if err != nil {
		return nil, fmt.Errorf("session.token_store.load: %w", err)
	}
	if !found || strings.TrimSpace(raw) == "" {
		tokens.setCached(nil)
		return nil, nil
	}
	var pair TokenPair
	if decodeErr := json.Unmarshal([]byte(raw), &pair); decodeErr != nil || strings.TrimSpace(pair.Access) == "" {
		tokens.setCached(nil)
		return nil, fmt.Errorf("session.token_store.load: %w", ErrMalformedTokenPair)
	}
	tokens.setCached(&pair)
	return pair.Clone(), nil
}

// Cached returns the last pair loaded or saved, without touching storage.
func (tokens *TokenStore) Cached() *TokenPair {
	tokens.mutex.RLock()
	defer tokens.mutex.RUnlock()
	return tokens.cached.Clone()
}

// Revision identifies the current clear generation.
func (tokens *TokenStore) Revision() uint64 {
	tokens.mutex.RLock()
	defer tokens.mutex.RUnlock()
	return tokens.revision
}

// save persists pair unless the store was cleared after expectedRevision was read.
func (tokens *TokenStore) save(ctx context.Context, pair *TokenPair, expectedRevision uint64) error {
	if pair == nil || strings.TrimSpace(pair.Access) == "" {
		return fmt.Errorf("session.token_store.save: %w", ErrMalformedTokenPair)
	}
	encoded, encodeErr := json.Marshal(pair)
	if encodeErr != nil {
		return fmt.Errorf("session.token_store.save: %w", encodeErr)
	}
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	if tokens.revision != expectedRevision {
		return fmt.Errorf("session.token_store.save: %w", errStaleTokenWrite)
	}
	if err := tokens.store.Set(ctx, tokens.storageKey, string(encoded)); err != nil {
		return fmt.Errorf("session.token_store.save: %w", err)
	}
	tokens.cached = pair.Clone()
	return nil
}

// clear removes the persisted pair and invalidates saves started before it.
func (tokens *TokenStore) clear(ctx context.Context) error {
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	tokens.revision++
	tokens.cached = nil
	if err := tokens.store.Delete(ctx, tokens.storageKey); err != nil {
		return fmt.Errorf("session.token_store.clear: %w", err)
	}
	return nil
}

func (tokens *TokenStore) setCached(pair *TokenPair) {
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	tokens.cached = pair.Clone()
}
