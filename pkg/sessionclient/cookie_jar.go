package sessionclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCookieStorageKey is the store key holding the backend session cookies.
const DefaultCookieStorageKey = "campus_auth_cookies"

type storedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

// PersistentCookieJar is an http.CookieJar that mirrors the cookies the
// backend sets for its origin into a KeyValueStore, so a process restart
// keeps the ambient provider session. Expiry is stored with each cookie and
// past-due cookies are not restored.
type PersistentCookieJar struct {
	inner      *cookiejar.Jar
	origin     *url.URL
	store      KeyValueStore
	storageKey string
	logger     *zap.Logger
	mutex      sync.Mutex
	// expiries holds the absolute expiry of persistent cookies by name; the
	// inner jar does not report it back.
	expiries map[string]time.Time
}

// NewPersistentCookieJar restores previously stored cookies for backendURL.
func NewPersistentCookieJar(ctx context.Context, backendURL string, store KeyValueStore, logger *zap.Logger) (*PersistentCookieJar, error) {
	origin, parseErr := url.Parse(strings.TrimSpace(backendURL))
	if parseErr != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("session.cookie_jar.new: invalid backend url %q", backendURL)
	}
	origin = &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: "/"}
	inner, jarErr := cookiejar.New(nil)
	if jarErr != nil {
		return nil, fmt.Errorf("session.cookie_jar.new: %w", jarErr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	jar := &PersistentCookieJar{
		inner:      inner,
		origin:     origin,
		store:      store,
		storageKey: DefaultCookieStorageKey,
		logger:     logger,
		expiries:   make(map[string]time.Time),
	}
	raw, found, getErr := store.Get(ctx, jar.storageKey)
	if getErr != nil {
		return nil, fmt.Errorf("session.cookie_jar.restore: %w", getErr)
	}
	if !found {
		return jar, nil
	}
	var saved []storedCookie
	if decodeErr := json.Unmarshal([]byte(raw), &saved); decodeErr != nil {
		logger.Warn("stored cookies unreadable; starting empty",
			zap.String("code", "session.cookie_jar.restore_failed"),
			zap.Error(decodeErr))
		return jar, nil
	}
	now := time.Now()
	restored := make([]*http.Cookie, 0, len(saved))
	for _, cookie := range saved {
		if !cookie.Expires.IsZero() && !cookie.Expires.After(now) {
			continue
		}
		if !cookie.Expires.IsZero() {
			jar.expiries[cookie.Name] = cookie.Expires
		}
		restored = append(restored, &http.Cookie{Name: cookie.Name, Value: cookie.Value, Path: "/", Expires: cookie.Expires})
	}
	inner.SetCookies(origin, restored)
	return jar, nil
}

// SetCookies implements http.CookieJar.
func (jar *PersistentCookieJar) SetCookies(target *url.URL, cookies []*http.Cookie) {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	jar.inner.SetCookies(target, cookies)
	if !strings.EqualFold(target.Host, jar.origin.Host) {
		return
	}
	now := time.Now()
	for _, cookie := range cookies {
		switch {
		case cookie.MaxAge > 0:
			jar.expiries[cookie.Name] = now.Add(time.Duration(cookie.MaxAge) * time.Second)
		case cookie.MaxAge == 0 && !cookie.Expires.IsZero():
			jar.expiries[cookie.Name] = cookie.Expires
		default:
			delete(jar.expiries, cookie.Name)
		}
	}
	current := jar.inner.Cookies(jar.origin)
	saved := make([]storedCookie, 0, len(current))
	for _, cookie := range current {
		saved = append(saved, storedCookie{Name: cookie.Name, Value: cookie.Value, Expires: jar.expiries[cookie.Name]})
	}
	encoded, encodeErr := json.Marshal(saved)
	if encodeErr != nil {
		return
	}
	if setErr := jar.store.Set(context.Background(), jar.storageKey, string(encoded)); setErr != nil {
		jar.logger.Warn("cookie persistence failed",
			zap.String("code", "session.cookie_jar.persist_failed"),
			zap.Error(setErr))
	}
}

// Cookies implements http.CookieJar.
func (jar *PersistentCookieJar) Cookies(target *url.URL) []*http.Cookie {
	return jar.inner.Cookies(target)
}
