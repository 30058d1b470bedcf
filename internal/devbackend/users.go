package devbackend

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// UserRecord is a campus user as the backend stores it.
type UserRecord struct {
	ID                  string   `json:"id"`
	NetID               string   `json:"net_id"`
	DisplayName         string   `json:"display_name"`
	Email               string   `json:"email,omitempty"`
	Gender              string   `json:"gender,omitempty"`
	Major               string   `json:"major,omitempty"`
	Grade               string   `json:"grade,omitempty"`
	Bio                 string   `json:"bio,omitempty"`
	Interests           []string `json:"interests,omitempty"`
	OnboardingCompleted bool     `json:"onboarding_completed"`
}

// OnboardingSubmission is the body of the complete-onboarding request.
type OnboardingSubmission struct {
	DisplayName string   `json:"display_name"`
	Gender      string   `json:"gender"`
	Major       string   `json:"major"`
	Grade       string   `json:"grade"`
	Bio         string   `json:"bio"`
	Interests   []string `json:"interests"`
}

// UserStore persists campus users keyed by NetID.
type UserStore interface {
	UpsertCampusUser(ctx context.Context, netID string) (record UserRecord, created bool, err error)
	GetUser(ctx context.Context, userID string) (UserRecord, error)
	CompleteOnboarding(ctx context.Context, userID string, submission OnboardingSubmission) (UserRecord, error)
}

var netIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// NormalizeNetID lowercases and validates a campus identifier.
func NormalizeNetID(netID string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(netID))
	if !netIDPattern.MatchString(normalized) {
		return "", ErrInvalidNetID
	}
	return normalized, nil
}

// InMemoryUsers is a user store used for local runs and tests.
type InMemoryUsers struct {
	mutex       sync.RWMutex
	byID        map[string]UserRecord
	idByNetID   map[string]string
	emailDomain string
}

// NewInMemoryUsers constructs an empty store. emailDomain, when set, derives
// each new user's address from the NetID.
func NewInMemoryUsers(emailDomain string) *InMemoryUsers {
	return &InMemoryUsers{
		byID:        make(map[string]UserRecord),
		idByNetID:   make(map[string]string),
		emailDomain: strings.TrimPrefix(strings.TrimSpace(emailDomain), "@"),
	}
}

// UpsertCampusUser returns the user for netID, creating one that still needs
// onboarding when none exists.
func (store *InMemoryUsers) UpsertCampusUser(ctx context.Context, netID string) (UserRecord, bool, error) {
	normalized, err := NormalizeNetID(netID)
	if err != nil {
		return UserRecord{}, false, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if userID, exists := store.idByNetID[normalized]; exists {
		return cloneUser(store.byID[userID]), false, nil
	}
	record := UserRecord{
		ID:          uuid.NewString(),
		NetID:       normalized,
		DisplayName: normalized,
	}
	if store.emailDomain != "" {
		record.Email = normalized + "@" + store.emailDomain
	}
	store.byID[record.ID] = record
	store.idByNetID[normalized] = record.ID
	return cloneUser(record), true, nil
}

// GetUser returns a user by id.
func (store *InMemoryUsers) GetUser(ctx context.Context, userID string) (UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return cloneUser(record), nil
}

// CompleteOnboarding applies the submitted profile and marks the user
// onboarded. Submitting again overwrites the profile.
func (store *InMemoryUsers) CompleteOnboarding(ctx context.Context, userID string, submission OnboardingSubmission) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	record.DisplayName = strings.TrimSpace(submission.DisplayName)
	record.Gender = strings.TrimSpace(submission.Gender)
	record.Major = strings.TrimSpace(submission.Major)
	record.Grade = strings.TrimSpace(submission.Grade)
	record.Bio = strings.TrimSpace(submission.Bio)
	record.Interests = append([]string(nil), submission.Interests...)
	record.OnboardingCompleted = true
	store.byID[userID] = record
	return cloneUser(record), nil
}

func cloneUser(record UserRecord) UserRecord {
	record.Interests = append([]string(nil), record.Interests...)
	return record
}
