package sessionclient

import (
	"context"
	"errors"
	"net/url"
	"testing"
)

func TestSanitizeReturnPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                         "/",
		"matches":                  "/",
		"/matches":                 "/matches",
		"/matches?tab=new":         "/matches?tab=new",
		"//evil.example.com":       "/",
		"/\\evil.example.com":      "/",
		"https://evil.example.com": "/",
		"  /profile  ":             "/profile",
	}
	for input, want := range tests {
		if got := SanitizeReturnPath(input); got != want {
			t.Fatalf("SanitizeReturnPath(%q): expected %q, got %q", input, want, got)
		}
	}
}

func TestBeginLoginNavigatesToProviderURL(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{loginURL: "https://cas.example.edu/cas/login?service=x"}
	var navigated []string
	navigator := NavigatorFunc(func(ctx context.Context, target string) error {
		navigated = append(navigated, target)
		return nil
	})
	initiator, err := NewLoginInitiator(backend, navigator, "https://date.example.edu/", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := initiator.BeginLogin(context.Background(), "/matches"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(navigated) != 1 || navigated[0] != backend.loginURL {
		t.Fatalf("expected navigation to login url, got %v", navigated)
	}
	callback, parseErr := url.Parse(backend.lastCallbackURL)
	if parseErr != nil {
		t.Fatalf("invalid callback url %q", backend.lastCallbackURL)
	}
	if callback.Host != "date.example.edu" || callback.Path != DefaultCallbackPath || callback.Query().Get("callback_url") != "/matches" {
		t.Fatalf("unexpected callback url %q", backend.lastCallbackURL)
	}
}

func TestBeginLoginDoesNotNavigateOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{name: "backend error", backend: &fakeBackend{loginErr: errBackendDown}},
		{name: "relative login url", backend: &fakeBackend{loginURL: "/cas/login"}},
		{name: "script url", backend: &fakeBackend{loginURL: "javascript:alert(1)"}},
	}
	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			navigated := false
			navigator := NavigatorFunc(func(ctx context.Context, target string) error {
				navigated = true
				return nil
			})
			initiator, err := NewLoginInitiator(testCase.backend, navigator, "", "", nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			loginErr := initiator.BeginLogin(context.Background(), "/")
			if !errors.Is(loginErr, ErrLoginUnavailable) {
				t.Fatalf("expected login unavailable, got %v", loginErr)
			}
			if navigated {
				t.Fatalf("must not navigate when the login url is unusable")
			}
		})
	}
}

func TestNewLoginInitiatorRequiresNavigator(t *testing.T) {
	t.Parallel()

	if _, err := NewLoginInitiator(&fakeBackend{}, nil, "", "", nil); !errors.Is(err, ErrMissingNavigator) {
		t.Fatalf("expected missing navigator error, got %v", err)
	}
}
