package sessionclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// DefaultCallbackPath is the front-end route that receives the provider redirect.
const DefaultCallbackPath = "/auth/callback"

// Navigator performs a full navigation to target.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, target string) error

// Navigate calls the function.
func (navigate NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return navigate(ctx, target)
}

// LoginInitiator starts the SSO redirect handshake.
type LoginInitiator struct {
	backend      Backend
	navigator    Navigator
	appBaseURL   string
	callbackPath string
	logger       *zap.Logger
}

// NewLoginInitiator constructs the initiator. appBaseURL may be empty, in
// which case the callback address is origin-relative.
func NewLoginInitiator(backend Backend, navigator Navigator, appBaseURL string, callbackPath string, logger *zap.Logger) (*LoginInitiator, error) {
	if backend == nil {
		return nil, fmt.Errorf("session.login.new: %w", ErrMissingBackend)
	}
	if navigator == nil {
		return nil, fmt.Errorf("session.login.new: %w", ErrMissingNavigator)
	}
	if strings.TrimSpace(callbackPath) == "" {
		callbackPath = DefaultCallbackPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginInitiator{
		backend:      backend,
		navigator:    navigator,
		appBaseURL:   strings.TrimRight(strings.TrimSpace(appBaseURL), "/"),
		callbackPath: SanitizeReturnPath(callbackPath),
		logger:       logger,
	}, nil
}

// CallbackURL is the address the provider returns to after login; it carries
// the sanitized return path as callback_url.
func (initiator *LoginInitiator) CallbackURL(returnPath string) string {
	query := url.Values{"callback_url": []string{SanitizeReturnPath(returnPath)}}
	return initiator.appBaseURL + initiator.callbackPath + "?" + query.Encode()
}

// BeginLogin fetches the provider login URL and navigates to it. When the
// backend cannot produce a URL nothing is navigated.
func (initiator *LoginInitiator) BeginLogin(ctx context.Context, returnPath string) error {
	loginURL, err := initiator.backend.LoginURL(ctx, initiator.CallbackURL(returnPath))
	if err != nil {
		initiator.logger.Warn("login url unavailable",
			zap.String("code", "session.login.unavailable"),
			zap.Error(err))
		return fmt.Errorf("session.login.begin: %w: %w", ErrLoginUnavailable, err)
	}
	parsed, parseErr := url.Parse(loginURL)
	if parseErr != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		initiator.logger.Warn("login url rejected",
			zap.String("code", "session.login.invalid_url"),
			zap.String("login_url", loginURL))
		return fmt.Errorf("session.login.begin: %w: %w", ErrLoginUnavailable, ErrMalformedResponse)
	}
	return initiator.navigator.Navigate(ctx, loginURL)
}

// SanitizeReturnPath keeps same-origin absolute paths and maps anything
// else, including protocol-relative and absolute URLs, to "/".
func SanitizeReturnPath(returnPath string) string {
	trimmed := strings.TrimSpace(returnPath)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/\\") {
		return "/"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return "/"
	}
	return trimmed
}
