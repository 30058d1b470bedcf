package sessionclient

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errBackendDown = errors.New("backend down")

type fakeBackend struct {
	mutex sync.Mutex

	authenticated bool
	statusErr     error
	user          *User
	userErr       error
	// profileQueue, when non-empty, is served before user.
	profileQueue []*User
	issueErr     error
	issueGate    chan struct{}
	issueEntered chan struct{}
	loginURL     string
	loginErr     error
	logoutURL    string
	logoutErr    error
	onboarded    *User
	onboardErr   error

	statusCalls     atomic.Int32
	profileCalls    atomic.Int32
	issueCalls      atomic.Int32
	loginCalls      atomic.Int32
	logoutCalls     atomic.Int32
	onboardingCalls atomic.Int32
	callOrder       []string
	lastCallbackURL string
	accessSequence  atomic.Int32
}

func (backend *fakeBackend) record(call string) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.callOrder = append(backend.callOrder, call)
}

func (backend *fakeBackend) calls() []string {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return append([]string(nil), backend.callOrder...)
}

func (backend *fakeBackend) Status(ctx context.Context) (bool, error) {
	backend.statusCalls.Add(1)
	backend.record("status")
	if backend.statusErr != nil {
		return false, backend.statusErr
	}
	return backend.authenticated, nil
}

func (backend *fakeBackend) LoginURL(ctx context.Context, callbackURL string) (string, error) {
	backend.loginCalls.Add(1)
	backend.mutex.Lock()
	backend.lastCallbackURL = callbackURL
	backend.mutex.Unlock()
	if backend.loginErr != nil {
		return "", backend.loginErr
	}
	return backend.loginURL, nil
}

func (backend *fakeBackend) Logout(ctx context.Context) (string, error) {
	backend.logoutCalls.Add(1)
	if backend.logoutErr != nil {
		return "", backend.logoutErr
	}
	return backend.logoutURL, nil
}

func (backend *fakeBackend) CurrentUser(ctx context.Context) (*User, error) {
	backend.profileCalls.Add(1)
	backend.record("profile")
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if len(backend.profileQueue) > 0 {
		next := backend.profileQueue[0]
		backend.profileQueue = backend.profileQueue[1:]
		return next.Clone(), nil
	}
	if backend.userErr != nil {
		return nil, backend.userErr
	}
	return backend.user.Clone(), nil
}

func (backend *fakeBackend) IssueTokens(ctx context.Context) (*TokenPair, error) {
	backend.issueCalls.Add(1)
	backend.record("issue")
	if backend.issueEntered != nil {
		backend.issueEntered <- struct{}{}
	}
	if backend.issueGate != nil {
		<-backend.issueGate
	}
	if backend.issueErr != nil {
		return nil, backend.issueErr
	}
	sequence := backend.accessSequence.Add(1)
	return &TokenPair{
		Access:   "access-" + strconv.Itoa(int(sequence)),
		Refresh:  "refresh",
		IssuedAt: time.Unix(1700000000, 0).UTC(),
	}, nil
}

func (backend *fakeBackend) CompleteOnboarding(ctx context.Context, form OnboardingForm) (*User, error) {
	backend.onboardingCalls.Add(1)
	if backend.onboardErr != nil {
		return nil, backend.onboardErr
	}
	return backend.onboarded.Clone(), nil
}

func boolPointer(value bool) *bool {
	return &value
}

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintAccessToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
