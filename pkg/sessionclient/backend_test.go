package sessionclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestHTTPBackend(t *testing.T, handler http.Handler) *HTTPBackend {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	backend, err := NewHTTPBackend(HTTPBackendConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to build backend: %v", err)
	}
	return backend
}

func TestNewHTTPBackendRejectsInvalidBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPBackend(HTTPBackendConfig{}); !errors.Is(err, ErrMissingBackend) {
		t.Fatalf("expected missing backend, got %v", err)
	}
	if _, err := NewHTTPBackend(HTTPBackendConfig{BaseURL: "not a url"}); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}

func TestHTTPBackendStatus(t *testing.T) {
	t.Parallel()

	responses := map[string]struct {
		body          string
		authenticated bool
		wantErr       error
	}{
		"authenticated":   {body: `{"authenticated":true}`, authenticated: true},
		"unauthenticated": {body: `{"authenticated":false}`},
		"missing flag":    {body: `{}`, wantErr: ErrMalformedResponse},
		"garbage":         {body: `<html>`, wantErr: ErrMalformedResponse},
	}
	for name, response := range responses {
		response := response
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			backend := newTestHTTPBackend(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				if request.URL.Path != PathCASStatus {
					t.Errorf("unexpected path %s", request.URL.Path)
				}
				_, _ = io.WriteString(writer, response.body)
			}))
			authenticated, err := backend.Status(context.Background())
			if response.wantErr != nil {
				if !errors.Is(err, response.wantErr) {
					t.Fatalf("expected %v, got %v", response.wantErr, err)
				}
				return
			}
			if err != nil || authenticated != response.authenticated {
				t.Fatalf("expected %v, got %v err=%v", response.authenticated, authenticated, err)
			}
		})
	}
}

func TestHTTPBackendLoginURLSendsCallback(t *testing.T) {
	t.Parallel()

	var received atomic.Value
	backend := newTestHTTPBackend(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		received.Store(request.URL.Query().Get("callback_url"))
		_, _ = io.WriteString(writer, `{"login_url":"https://cas.example.edu/cas/login?service=x"}`)
	}))
	loginURL, err := backend.LoginURL(context.Background(), "https://app.example.edu/auth/callback?callback_url=%2F")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loginURL != "https://cas.example.edu/cas/login?service=x" {
		t.Fatalf("unexpected login url %q", loginURL)
	}
	if received.Load() != "https://app.example.edu/auth/callback?callback_url=%2F" {
		t.Fatalf("callback url not forwarded: %v", received.Load())
	}
}

func TestHTTPBackendStatusErrorCarriesCode(t *testing.T) {
	t.Parallel()

	backend := newTestHTTPBackend(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := backend.Logout(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Endpoint != PathCASLogout {
		t.Fatalf("unexpected status error %#v", statusErr)
	}
}

func TestHTTPBackendNetworkFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()
	backend, err := NewHTTPBackend(HTTPBackendConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to build backend: %v", err)
	}
	if _, err := backend.Status(context.Background()); !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("expected network unavailable, got %v", err)
	}
}

func TestHTTPBackendCurrentUserAndOnboarding(t *testing.T) {
	t.Parallel()

	var submitted atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc(PathCurrentUser, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, `{"id":42,"net_id":"abc123","onboarding_completed":false}`)
	})
	mux.HandleFunc(PathCompleteOnboarding, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", request.Method)
		}
		body, _ := io.ReadAll(request.Body)
		submitted.Store(string(body))
		_, _ = io.WriteString(writer, `{"id":"42","net_id":"abc123","onboarding_completed":true}`)
	})
	backend := newTestHTTPBackend(t, mux)

	user, err := backend.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != "42" || !RequiresOnboarding(user) {
		t.Fatalf("unexpected user %#v", user)
	}
	updated, err := backend.CompleteOnboarding(context.Background(), OnboardingForm{DisplayName: "Jun", Major: "Physics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if RequiresOnboarding(updated) {
		t.Fatalf("expected onboarded user, got %#v", updated)
	}
	body, _ := submitted.Load().(string)
	if !strings.Contains(body, `"major":"Physics"`) {
		t.Fatalf("form not submitted as json: %s", body)
	}
}

func TestHTTPBackendIssueTokensRequiresAccess(t *testing.T) {
	t.Parallel()

	backend := newTestHTTPBackend(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, `{"refresh":"r"}`)
	}))
	if _, err := backend.IssueTokens(context.Background()); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestManagerLogoutOverHTTPWhenServerFails(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(PathCASStatus, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, `{"authenticated":true}`)
	})
	mux.HandleFunc(PathCurrentUser, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, `{"id":"1","onboarding_completed":true}`)
	})
	mux.HandleFunc(PathTokenRefresh, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, `{"access":"a","refresh":"r","issued_at":"2026-01-01T00:00:00Z"}`)
	})
	mux.HandleFunc(PathCASLogout, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	})
	backend := newTestHTTPBackend(t, mux)
	backing := NewMemoryKeyValueStore()
	manager, err := NewManager(ManagerConfig{
		Backend: backend,
		Tokens:  NewTokenStore(backing, ""),
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	ctx := context.Background()
	if snapshot := manager.Initialize(ctx); snapshot.State != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", snapshot.State)
	}

	if _, err := manager.Logout(ctx); !errors.Is(err, ErrLogoutPartial) {
		t.Fatalf("expected partial logout, got %v", err)
	}
	snapshot := manager.Snapshot()
	if snapshot.State != StateUnauthenticated || snapshot.User != nil || snapshot.Tokens != nil {
		t.Fatalf("expected cleared session, got %#v", snapshot)
	}
	if _, found, _ := backing.Get(ctx, DefaultTokenStorageKey); found {
		t.Fatalf("expected token key cleared")
	}
}
