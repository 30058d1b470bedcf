package devbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func requestLoginURL(t *testing.T, backend *testBackend, callbackURL string) string {
	t.Helper()
	response, err := backend.client.Get(backend.server.URL + PathCASLogin + "?" + url.Values{"callback_url": []string{callbackURL}}.Encode())
	if err != nil {
		t.Fatalf("login url request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var payload struct {
		LoginURL string `json:"login_url"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return payload.LoginURL
}

func getJSON(t *testing.T, client *http.Client, target string, into any) int {
	t.Helper()
	response, err := client.Get(target)
	if err != nil {
		t.Fatalf("request to %s failed: %v", target, err)
	}
	defer response.Body.Close()
	if into != nil && response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(into); err != nil {
			t.Fatalf("decode error: %v", err)
		}
	}
	return response.StatusCode
}

func TestMountRoutesValidatesConfiguration(t *testing.T) {
	users := NewInMemoryUsers("")
	sessions := NewMemoryProviderSessionStore(nil)
	tickets := NewMemoryTicketStore(0, nil)
	dependencies := Dependencies{Users: users, Sessions: sessions, Tickets: tickets}
	gin.SetMode(gin.TestMode)

	if err := MountRoutes(gin.New(), ServerConfig{JWTSigningKey: []byte("k")}, dependencies); err != errMissingPublicBaseURL {
		t.Fatalf("expected missing public base url, got %v", err)
	}
	if err := MountRoutes(gin.New(), ServerConfig{PublicBaseURL: "http://localhost:8080"}, dependencies); err != errMissingSigningKey {
		t.Fatalf("expected missing signing key, got %v", err)
	}
	if err := MountRoutes(gin.New(), ServerConfig{PublicBaseURL: "http://localhost:8080", JWTSigningKey: []byte("k")}, Dependencies{Users: users}); err != errMissingStore {
		t.Fatalf("expected missing store, got %v", err)
	}
}

func TestLoginURLPointsAtProvider(t *testing.T) {
	backend := newTestBackend(t, nil)
	callbackURL := "http://" + testAppHost + "/auth/callback?callback_url=%2Fmatches"
	loginURL := requestLoginURL(t, backend, callbackURL)

	parsed, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("invalid login url: %v", err)
	}
	if parsed.Path != PathProviderLogin {
		t.Fatalf("expected provider login path, got %s", parsed.Path)
	}
	service, err := url.Parse(parsed.Query().Get("service"))
	if err != nil || service.Path != PathCASVerify {
		t.Fatalf("expected verify service, got %q", parsed.Query().Get("service"))
	}
	if service.Query().Get("callback_url") != callbackURL {
		t.Fatalf("callback url not carried: %q", service.Query().Get("callback_url"))
	}
}

func TestLoginURLRejectsRelativeCallback(t *testing.T) {
	backend := newTestBackend(t, nil)
	status := getJSON(t, backend.client, backend.server.URL+PathCASLogin+"?callback_url=%2Fauth%2Fcallback", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestProviderLoginPageWithoutNetID(t *testing.T) {
	backend := newTestBackend(t, nil)
	loginURL := requestLoginURL(t, backend, "http://"+testAppHost+"/auth/callback")
	response, err := backend.client.Get(loginURL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(response.Body)
	if response.StatusCode != http.StatusOK || !strings.Contains(body.String(), `name="netid"`) {
		t.Fatalf("expected sign-in form, got %d %s", response.StatusCode, body.String())
	}
}

func TestProviderRejectsUnregisteredService(t *testing.T) {
	backend := newTestBackend(t, nil)
	target := backend.server.URL + PathProviderLogin + "?" + url.Values{
		"service": []string{"https://evil.example.com/collect"},
		"netid":   []string{"abc123"},
	}.Encode()
	if status := getJSON(t, backend.client, target, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestVerifyFlowForNewUser(t *testing.T) {
	backend := newTestBackend(t, nil)
	callbackURL := "http://" + testAppHost + "/auth/callback?callback_url=%2Fmatches"
	location := backend.signIn(t, requestLoginURL(t, backend, callbackURL), "ABC123")

	redirect, err := url.Parse(location)
	if err != nil {
		t.Fatalf("invalid redirect: %v", err)
	}
	query := redirect.Query()
	if redirect.Host != testAppHost || redirect.Path != "/auth/callback" {
		t.Fatalf("unexpected redirect target %s", location)
	}
	if query.Get("cas_success") != "true" || query.Get("needs_onboarding") != "true" {
		t.Fatalf("expected success and onboarding flags, got %s", redirect.RawQuery)
	}
	if query.Get("callback_url") != "/matches" {
		t.Fatalf("return path lost: %s", redirect.RawQuery)
	}

	var status struct {
		Authenticated bool `json:"authenticated"`
	}
	if code := getJSON(t, backend.client, backend.server.URL+PathCASStatus, &status); code != http.StatusOK || !status.Authenticated {
		t.Fatalf("expected authenticated status, got %d %#v", code, status)
	}
	var user UserRecord
	if code := getJSON(t, backend.client, backend.server.URL+PathCurrentUser, &user); code != http.StatusOK {
		t.Fatalf("expected profile, got %d", code)
	}
	if user.NetID != "abc123" || user.OnboardingCompleted || user.Email != "abc123@campus.test" {
		t.Fatalf("unexpected user %#v", user)
	}
}

func TestVerifyReturningUserSkipsOnboardingFlag(t *testing.T) {
	backend := newTestBackend(t, nil)
	created, _, err := backend.users.UpsertCampusUser(context.Background(), "jdoe")
	if err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	if _, err := backend.users.CompleteOnboarding(context.Background(), created.ID, OnboardingSubmission{DisplayName: "J"}); err != nil {
		t.Fatalf("onboarding error: %v", err)
	}
	location := backend.signIn(t, requestLoginURL(t, backend, "http://"+testAppHost+"/auth/callback"), "jdoe")
	redirect, _ := url.Parse(location)
	if redirect.Query().Get("needs_onboarding") != "" {
		t.Fatalf("onboarded user must not be flagged, got %s", redirect.RawQuery)
	}
}

func TestVerifyRejectsReplayedTicket(t *testing.T) {
	backend := newTestBackend(t, nil)
	callbackURL := "http://" + testAppHost + "/auth/callback"
	loginURL := requestLoginURL(t, backend, callbackURL)

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	response, err := noFollow.Get(loginURL + "&netid=abc123")
	if err != nil {
		t.Fatalf("provider request failed: %v", err)
	}
	response.Body.Close()
	verifyURL := response.Header.Get("Location")
	if !strings.Contains(verifyURL, "ticket=ST-") {
		t.Fatalf("expected service ticket in redirect, got %s", verifyURL)
	}

	for attempt, expected := range []string{"true", ""} {
		response, err := noFollow.Get(verifyURL)
		if err != nil {
			t.Fatalf("verify request failed: %v", err)
		}
		response.Body.Close()
		redirect, _ := url.Parse(response.Header.Get("Location"))
		if redirect.Query().Get("cas_success") != expected {
			t.Fatalf("attempt %d: expected cas_success=%q, got %s", attempt, expected, redirect.RawQuery)
		}
	}
}

func TestVerifyRequiresHTTPSUnlessInsecureAllowed(t *testing.T) {
	backend := newTestBackend(t, func(configuration *ServerConfig) {
		configuration.AllowInsecureHTTP = false
	})
	target := backend.server.URL + PathCASVerify + "?" + url.Values{
		"callback_url": []string{"http://" + testAppHost + "/auth/callback"},
		"ticket":       []string{"ST-x"},
	}.Encode()
	if status := getJSON(t, backend.client, target, nil); status != http.StatusBadRequest {
		t.Fatalf("expected https_required, got %d", status)
	}
}

func TestSessionEndpointsRequireCookie(t *testing.T) {
	backend := newTestBackend(t, nil)
	var status struct {
		Authenticated bool `json:"authenticated"`
	}
	if code := getJSON(t, backend.client, backend.server.URL+PathCASStatus, &status); code != http.StatusOK || status.Authenticated {
		t.Fatalf("expected unauthenticated status, got %d %#v", code, status)
	}
	if code := getJSON(t, backend.client, backend.server.URL+PathCurrentUser, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for profile, got %d", code)
	}
	response, err := backend.client.Post(backend.server.URL+PathTokenRefresh, "application/json", nil)
	if err != nil {
		t.Fatalf("refresh request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for token refresh, got %d", response.StatusCode)
	}
}

func TestTokenRefreshAndWhoAmI(t *testing.T) {
	backend := newTestBackend(t, nil)
	backend.signIn(t, requestLoginURL(t, backend, "http://"+testAppHost+"/auth/callback"), "abc123")

	response, err := backend.client.Post(backend.server.URL+PathTokenRefresh, "application/json", nil)
	if err != nil {
		t.Fatalf("refresh request failed: %v", err)
	}
	defer response.Body.Close()
	var pair struct {
		Access   string `json:"access"`
		Refresh  string `json:"refresh"`
		IssuedAt string `json:"issued_at"`
	}
	if err := json.NewDecoder(response.Body).Decode(&pair); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if pair.Access == "" || pair.Refresh == "" || pair.IssuedAt == "" {
		t.Fatalf("incomplete token pair %#v", pair)
	}

	request, _ := http.NewRequest(http.MethodGet, backend.server.URL+PathWhoAmI, nil)
	request.Header.Set("Authorization", "Bearer "+pair.Access)
	whoami, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("whoami request failed: %v", err)
	}
	defer whoami.Body.Close()
	var identity struct {
		NetID string `json:"net_id"`
	}
	if err := json.NewDecoder(whoami.Body).Decode(&identity); err != nil || identity.NetID != "abc123" {
		t.Fatalf("unexpected whoami response %d %#v err=%v", whoami.StatusCode, identity, err)
	}

	unauthenticated, err := http.Get(backend.server.URL + PathWhoAmI)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	unauthenticated.Body.Close()
	if unauthenticated.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", unauthenticated.StatusCode)
	}
}

func TestCompleteOnboardingEndpoint(t *testing.T) {
	backend := newTestBackend(t, nil)
	backend.signIn(t, requestLoginURL(t, backend, "http://"+testAppHost+"/auth/callback"), "abc123")

	post := func(body string) *http.Response {
		response, err := backend.client.Post(backend.server.URL+PathCompleteOnboarding, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		return response
	}

	rejected := post(`{"major":"Physics"}`)
	rejected.Body.Close()
	if rejected.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without display name, got %d", rejected.StatusCode)
	}

	accepted := post(`{"display_name":"Jun","major":"Physics","interests":["climbing"]}`)
	defer accepted.Body.Close()
	var user UserRecord
	if err := json.NewDecoder(accepted.Body).Decode(&user); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !user.OnboardingCompleted || user.DisplayName != "Jun" || len(user.Interests) != 1 {
		t.Fatalf("unexpected user %#v", user)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	backend := newTestBackend(t, nil)
	backend.signIn(t, requestLoginURL(t, backend, "http://"+testAppHost+"/auth/callback"), "abc123")

	var logout struct {
		LogoutURL string `json:"logout_url"`
	}
	if code := getJSON(t, backend.client, backend.server.URL+PathCASLogout, &logout); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if logout.LogoutURL != backend.server.URL+PathProviderLogout {
		t.Fatalf("unexpected logout url %q", logout.LogoutURL)
	}
	var status struct {
		Authenticated bool `json:"authenticated"`
	}
	getJSON(t, backend.client, backend.server.URL+PathCASStatus, &status)
	if status.Authenticated {
		t.Fatalf("expected session to end after logout")
	}
}

func TestProviderTicketRateLimit(t *testing.T) {
	backend := newTestBackend(t, func(configuration *ServerConfig) {
		configuration.TicketRatePerMinute = 1
	})
	loginURL := requestLoginURL(t, backend, "http://"+testAppHost+"/auth/callback")
	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	first, err := noFollow.Get(loginURL + "&netid=abc123")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusFound {
		t.Fatalf("expected first ticket to be issued, got %d", first.StatusCode)
	}
	second, err := noFollow.Get(loginURL + "&netid=abc123")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected throttling, got %d", second.StatusCode)
	}
}
