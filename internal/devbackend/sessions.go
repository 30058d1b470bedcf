package devbackend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProviderSessionStore tracks the ambient sessions created when a ticket is
// validated. The browser holds only the opaque value; stores keep its hash.
type ProviderSessionStore interface {
	Issue(ctx context.Context, userID string, expiresUnix int64) (sessionID string, opaque string, err error)
	Validate(ctx context.Context, opaque string) (userID string, sessionID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, sessionID string) error
}

// MemoryProviderSessionStore is an in-memory store for tests and local runs.
type MemoryProviderSessionStore struct {
	mutex  sync.Mutex
	byID   map[string]*sessionRecord
	byHash map[string]string
	clock  Clock
}

type sessionRecord struct {
	SessionID     string
	UserID        string
	Hash          string
	ExpiresUnix   int64
	RevokedAtUnix int64
	IssuedAtUnix  int64
}

// NewMemoryProviderSessionStore creates an empty in-memory session store.
func NewMemoryProviderSessionStore(clock Clock) *MemoryProviderSessionStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryProviderSessionStore{
		byID:   make(map[string]*sessionRecord),
		byHash: make(map[string]string),
		clock:  clock,
	}
}

// Issue creates a session for userID.
func (store *MemoryProviderSessionStore) Issue(ctx context.Context, userID string, expiresUnix int64) (string, string, error) {
	opaque, err := generateOpaque()
	if err != nil {
		return "", "", fmt.Errorf("devbackend.session.issue.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	sessionID := uuid.NewString()
	record := &sessionRecord{
		SessionID:    sessionID,
		UserID:       userID,
		Hash:         hashOpaque(opaque),
		ExpiresUnix:  expiresUnix,
		IssuedAtUnix: store.clock.Now().Unix(),
	}
	store.byID[sessionID] = record
	store.byHash[record.Hash] = sessionID
	return sessionID, opaque, nil
}

// Validate resolves the opaque cookie value to its session.
func (store *MemoryProviderSessionStore) Validate(ctx context.Context, opaque string) (string, string, int64, error) {
	if strings.TrimSpace(opaque) == "" {
		return "", "", 0, ErrSessionEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	sessionID, ok := store.byHash[hashOpaque(opaque)]
	if !ok {
		return "", "", 0, ErrSessionNotFound
	}
	record := store.byID[sessionID]
	if record == nil {
		return "", "", 0, ErrSessionNotFound
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, ErrSessionRevoked
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.clock.Now()) {
		return "", "", 0, ErrSessionExpired
	}
	return record.UserID, record.SessionID, record.ExpiresUnix, nil
}

// Revoke ends a session. Revoking twice is not an error.
func (store *MemoryProviderSessionStore) Revoke(ctx context.Context, sessionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[sessionID]
	if record == nil {
		return ErrSessionNotFound
	}
	if record.RevokedAtUnix == 0 {
		record.RevokedAtUnix = store.clock.Now().Unix()
	}
	return nil
}
