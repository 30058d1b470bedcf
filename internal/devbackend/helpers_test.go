package devbackend

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

const testAppHost = "app.campus.test"

type testBackend struct {
	server        *httptest.Server
	configuration ServerConfig
	users         *InMemoryUsers
	sessions      *MemoryProviderSessionStore
	client        *http.Client
}

type mutableClock struct {
	current time.Time
}

func (clock *mutableClock) Now() time.Time {
	return clock.current
}

func newTestBackend(t *testing.T, mutate func(*ServerConfig)) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	configuration := ServerConfig{
		PublicBaseURL:     server.URL,
		JWTSigningKey:     []byte("test-signing-key"),
		AllowInsecureHTTP: true,
		TicketTTL:         time.Minute,
	}
	if mutate != nil {
		mutate(&configuration)
	}
	users := NewInMemoryUsers("campus.test")
	sessions := NewMemoryProviderSessionStore(nil)
	if err := MountRoutes(engine, configuration, Dependencies{
		Users:    users,
		Sessions: sessions,
		Tickets:  NewMemoryTicketStore(configuration.TicketTTL, nil),
		Logger:   zaptest.NewLogger(t),
	}); err != nil {
		t.Fatalf("failed to mount routes: %v", err)
	}

	jar, jarErr := cookiejar.New(nil)
	if jarErr != nil {
		t.Fatalf("failed to create cookie jar: %v", jarErr)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(request *http.Request, via []*http.Request) error {
			if request.URL.Host == testAppHost {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return &testBackend{
		server:        server,
		configuration: configuration.withDefaults(),
		users:         users,
		sessions:      sessions,
		client:        client,
	}
}

// signIn walks the provider login page for netID and returns the final
// redirect to the app callback.
func (backend *testBackend) signIn(t *testing.T, loginURL string, netID string) string {
	t.Helper()
	response, err := backend.client.Get(loginURL + "&netid=" + netID)
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to the app, got %d", response.StatusCode)
	}
	return response.Header.Get("Location")
}
