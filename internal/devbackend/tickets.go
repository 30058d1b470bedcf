package devbackend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const ticketPrefix = "ST-"

// TicketStore issues the one-time service tickets the simulated provider
// hands back through the browser redirect.
type TicketStore interface {
	// Issue binds a new ticket to netID and the service URL it was requested for.
	Issue(ctx context.Context, netID string, serviceURL string) (string, error)
	// Consume validates and invalidates a ticket for serviceURL.
	Consume(ctx context.Context, ticket string, serviceURL string) (netID string, err error)
}

type ticketEntry struct {
	netID      string
	serviceURL string
	expiresAt  time.Time
}

type memoryTicketStore struct {
	mutex   sync.Mutex
	entries map[string]ticketEntry
	ttl     time.Duration
	clock   Clock
}

// NewMemoryTicketStore constructs an in-memory TicketStore with the provided TTL.
func NewMemoryTicketStore(ttl time.Duration, clock Clock) TicketStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryTicketStore{
		entries: make(map[string]ticketEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (store *memoryTicketStore) Issue(ctx context.Context, netID string, serviceURL string) (string, error) {
	opaque, err := generateOpaque()
	if err != nil {
		return "", fmt.Errorf("devbackend.ticket.issue: %w", err)
	}
	ticket := ticketPrefix + opaque
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[ticket] = ticketEntry{
		netID:      netID,
		serviceURL: serviceURL,
		expiresAt:  store.clock.Now().Add(store.ttl),
	}
	return ticket, nil
}

func (store *memoryTicketStore) Consume(ctx context.Context, ticket string, serviceURL string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	entry, ok := store.entries[ticket]
	if !ok {
		return "", ErrTicketNotFound
	}
	delete(store.entries, ticket)
	if store.clock.Now().After(entry.expiresAt) {
		return "", ErrTicketExpired
	}
	if entry.serviceURL != serviceURL {
		return "", ErrTicketServiceMismatch
	}
	return entry.netID, nil
}

func (store *memoryTicketStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for ticket, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, ticket)
		}
	}
}
