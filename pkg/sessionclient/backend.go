package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Backend endpoint paths.
const (
	PathCASStatus          = "/api/cas/status"
	PathCASLogin           = "/api/cas/login"
	PathCASLogout          = "/api/cas/logout"
	PathCurrentUser        = "/api/users/me"
	PathTokenRefresh       = "/api/token/refresh"
	PathCompleteOnboarding = "/api/users/complete-onboarding"
)

const maxResponseBytes = 1 << 20

// Backend is the REST contract the session manager consumes. Every call is
// credentialed with the ambient session cookie, never with the bearer token.
type Backend interface {
	Status(ctx context.Context) (authenticated bool, err error)
	LoginURL(ctx context.Context, callbackURL string) (loginURL string, err error)
	Logout(ctx context.Context) (logoutURL string, err error)
	CurrentUser(ctx context.Context) (*User, error)
	IssueTokens(ctx context.Context) (*TokenPair, error)
	CompleteOnboarding(ctx context.Context, form OnboardingForm) (*User, error)
}

// HTTPBackendConfig configures HTTPBackend.
type HTTPBackendConfig struct {
	BaseURL string
	// HTTPClient must carry a cookie jar so the provider session cookie is sent.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPBackend implements Backend over HTTP.
type HTTPBackend struct {
	baseURL *url.URL
	client  *http.Client
}

// NewHTTPBackend validates the configuration and constructs the client.
func NewHTTPBackend(configuration HTTPBackendConfig) (*HTTPBackend, error) {
	trimmed := strings.TrimSpace(configuration.BaseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("session.backend.new: %w", ErrMissingBackend)
	}
	parsed, parseErr := url.Parse(strings.TrimRight(trimmed, "/"))
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("session.backend.new: invalid base url %q", configuration.BaseURL)
	}
	client := configuration.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if configuration.Timeout > 0 {
		clone := *client
		clone.Timeout = configuration.Timeout
		client = &clone
	}
	return &HTTPBackend{baseURL: parsed, client: client}, nil
}

// Status asks whether the browser session is authenticated with the provider.
func (backend *HTTPBackend) Status(ctx context.Context) (bool, error) {
	var payload struct {
		Authenticated *bool `json:"authenticated"`
	}
	if err := backend.doJSON(ctx, http.MethodGet, PathCASStatus, nil, nil, &payload); err != nil {
		return false, err
	}
	if payload.Authenticated == nil {
		return false, fmt.Errorf("session.backend.status: %w", ErrMalformedResponse)
	}
	return *payload.Authenticated, nil
}

// LoginURL obtains the provider login URL that returns to callbackURL.
func (backend *HTTPBackend) LoginURL(ctx context.Context, callbackURL string) (string, error) {
	var payload struct {
		LoginURL string `json:"login_url"`
	}
	query := url.Values{"callback_url": []string{callbackURL}}
	if err := backend.doJSON(ctx, http.MethodGet, PathCASLogin, query, nil, &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.LoginURL) == "" {
		return "", fmt.Errorf("session.backend.login_url: %w", ErrMalformedResponse)
	}
	return payload.LoginURL, nil
}

// Logout ends the backend session and returns the provider logout URL, if any.
func (backend *HTTPBackend) Logout(ctx context.Context) (string, error) {
	var payload struct {
		LogoutURL string `json:"logout_url"`
	}
	if err := backend.doJSON(ctx, http.MethodGet, PathCASLogout, nil, nil, &payload); err != nil {
		return "", err
	}
	return strings.TrimSpace(payload.LogoutURL), nil
}

// CurrentUser fetches the signed-in user's profile.
func (backend *HTTPBackend) CurrentUser(ctx context.Context) (*User, error) {
	raw, err := backend.do(ctx, http.MethodGet, PathCurrentUser, nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeUser(raw)
}

// IssueTokens issues a fresh bearer pair derived from the provider session.
func (backend *HTTPBackend) IssueTokens(ctx context.Context) (*TokenPair, error) {
	var pair TokenPair
	if err := backend.doJSON(ctx, http.MethodPost, PathTokenRefresh, nil, nil, &pair); err != nil {
		return nil, err
	}
	if strings.TrimSpace(pair.Access) == "" {
		return nil, fmt.Errorf("session.backend.issue_tokens: %w", ErrMalformedResponse)
	}
	return &pair, nil
}

// CompleteOnboarding submits the onboarding form and returns the updated user.
func (backend *HTTPBackend) CompleteOnboarding(ctx context.Context, form OnboardingForm) (*User, error) {
	body, encodeErr := json.Marshal(form)
	if encodeErr != nil {
		return nil, fmt.Errorf("session.backend.complete_onboarding: %w", encodeErr)
	}
	raw, err := backend.do(ctx, http.MethodPost, PathCompleteOnboarding, nil, body)
	if err != nil {
		return nil, err
	}
	return DecodeUser(raw)
}

func (backend *HTTPBackend) doJSON(ctx context.Context, method string, path string, query url.Values, body []byte, target any) error {
	raw, err := backend.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if decodeErr := json.Unmarshal(raw, target); decodeErr != nil {
		return fmt.Errorf("session.backend.decode %s: %w", path, ErrMalformedResponse)
	}
	return nil
}

func (backend *HTTPBackend) do(ctx context.Context, method string, path string, query url.Values, body []byte) ([]byte, error) {
	endpoint := *backend.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if requestErr != nil {
		return nil, fmt.Errorf("session.backend.request %s: %w", path, requestErr)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, doErr := backend.client.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("session.backend.%s %s: %w: %w", strings.ToLower(method), path, ErrNetworkUnavailable, doErr)
	}
	defer response.Body.Close()
	raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return nil, fmt.Errorf("session.backend.read %s: %w: %w", path, ErrNetworkUnavailable, readErr)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, &StatusError{Endpoint: path, StatusCode: response.StatusCode}
	}
	return raw, nil
}
