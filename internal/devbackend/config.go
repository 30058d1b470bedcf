package devbackend

import (
	"net/http"
	"strings"
	"time"
)

// Default cookie and issuer names for the development backend.
const (
	DefaultSessionCookieName = "campus_session"
	DefaultJWTIssuer         = "campusauth-dev"
)

// ServerConfig configures the development backend and its simulated provider.
type ServerConfig struct {
	// PublicBaseURL is the externally reachable origin of this server; the
	// provider redirects browsers back to it.
	PublicBaseURL      string
	JWTSigningKey      []byte
	JWTIssuer          string
	CookieDomain       string
	SessionCookieName  string
	AccessTTL          time.Duration
	ProviderSessionTTL time.Duration
	TicketTTL          time.Duration
	// TicketRatePerMinute throttles ticket issuance on the simulated provider;
	// zero disables throttling.
	TicketRatePerMinute int
	SameSiteMode        http.SameSite
	AllowInsecureHTTP   bool
}

func (configuration ServerConfig) withDefaults() ServerConfig {
	configuration.PublicBaseURL = strings.TrimRight(strings.TrimSpace(configuration.PublicBaseURL), "/")
	if configuration.JWTIssuer == "" {
		configuration.JWTIssuer = DefaultJWTIssuer
	}
	if configuration.SessionCookieName == "" {
		configuration.SessionCookieName = DefaultSessionCookieName
	}
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = 15 * time.Minute
	}
	if configuration.ProviderSessionTTL <= 0 {
		configuration.ProviderSessionTTL = 12 * time.Hour
	}
	if configuration.TicketTTL <= 0 {
		configuration.TicketTTL = 2 * time.Minute
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteLaxMode
	}
	return configuration
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
