package sessionclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// User is the profile record of the signed-in student.
type User struct {
	ID          string   `json:"id"`
	NetID       string   `json:"net_id,omitempty"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
	Gender      string   `json:"gender,omitempty"`
	Major       string   `json:"major,omitempty"`
	Grade       string   `json:"grade,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	// OnboardingCompleted is nil when the backend did not send the flag.
	OnboardingCompleted *bool `json:"onboarding_completed,omitempty"`
}

// Clone returns a deep copy of the user.
func (user *User) Clone() *User {
	if user == nil {
		return nil
	}
	clone := *user
	if user.Interests != nil {
		clone.Interests = append([]string(nil), user.Interests...)
	}
	if user.OnboardingCompleted != nil {
		completed := *user.OnboardingCompleted
		clone.OnboardingCompleted = &completed
	}
	return &clone
}

func (user *User) markOnboarded() {
	completed := true
	user.OnboardingCompleted = &completed
}

// wireUser mirrors User but accepts numeric or string identifiers.
type wireUser struct {
	ID                  json.RawMessage `json:"id"`
	NetID               string          `json:"net_id"`
	DisplayName         string          `json:"display_name"`
	Email               string          `json:"email"`
	AvatarURL           string          `json:"avatar_url"`
	Gender              string          `json:"gender"`
	Major               string          `json:"major"`
	Grade               string          `json:"grade"`
	Bio                 string          `json:"bio"`
	Interests           []string        `json:"interests"`
	OnboardingCompleted *bool           `json:"onboarding_completed"`
}

// DecodeUser parses a profile payload. A payload without an identifier, or with
// a non-boolean onboarding flag, is rejected rather than partially decoded.
func DecodeUser(payload []byte) (*User, error) {
	var wire wireUser
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("session.client.decode_user: %w", ErrMalformedResponse)
	}
	identifier, idErr := decodeIdentifier(wire.ID)
	if idErr != nil {
		return nil, fmt.Errorf("session.client.decode_user: %w", idErr)
	}
	return &User{
		ID:                  identifier,
		NetID:               wire.NetID,
		DisplayName:         wire.DisplayName,
		Email:               wire.Email,
		AvatarURL:           wire.AvatarURL,
		Gender:              wire.Gender,
		Major:               wire.Major,
		Grade:               wire.Grade,
		Bio:                 wire.Bio,
		Interests:           wire.Interests,
		OnboardingCompleted: wire.OnboardingCompleted,
	}, nil
}

func decodeIdentifier(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", ErrMalformedResponse
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return "", ErrMalformedResponse
		}
		return text, nil
	}
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err != nil {
		return "", ErrMalformedResponse
	}
	return number.String(), nil
}

// TokenPair holds the application bearer credentials.
type TokenPair struct {
	Access   string    `json:"access"`
	Refresh  string    `json:"refresh,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresAt is read from the access token's exp claim when present.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Clone returns a copy of the pair.
func (pair *TokenPair) Clone() *TokenPair {
	if pair == nil {
		return nil
	}
	clone := *pair
	return &clone
}

// SessionState is the derived lifecycle state of the session.
type SessionState string

const (
	StateUnknown            SessionState = "unknown"
	StateCheckingStatus     SessionState = "checking_status"
	StateUnauthenticated    SessionState = "unauthenticated"
	StateAuthenticated      SessionState = "authenticated"
	StateAwaitingOnboarding SessionState = "awaiting_onboarding"
	StateError              SessionState = "error"
)

// Snapshot is a read-only view of the session handed to consumers. Reason is
// the failure in StateError; in StateUnauthenticated it is an optional notice
// (network_unavailable, logout_partial) that leaves the session signed out.
type Snapshot struct {
	State  SessionState  `json:"state"`
	Reason FailureReason `json:"reason,omitempty"`
	User   *User         `json:"user,omitempty"`
	Tokens *TokenPair    `json:"tokens,omitempty"`
}

// Authenticated reports whether the snapshot carries a usable identity.
func (snapshot Snapshot) Authenticated() bool {
	return snapshot.State == StateAuthenticated || snapshot.State == StateAwaitingOnboarding
}

// Loading reports whether the UI should render its loading state.
func (snapshot Snapshot) Loading() bool {
	return snapshot.State == StateUnknown || snapshot.State == StateCheckingStatus
}

// OnboardingForm is the payload submitted by the onboarding flow.
type OnboardingForm struct {
	DisplayName string   `json:"display_name"`
	Gender      string   `json:"gender,omitempty"`
	Major       string   `json:"major,omitempty"`
	Grade       string   `json:"grade,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Interests   []string `json:"interests,omitempty"`
}
