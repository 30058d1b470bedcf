package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	tokenFlightKey       = "token_pair"
	defaultRefreshSkew   = 30 * time.Second
	defaultFlightTimeout = 30 * time.Second
)

// TokenIssuerConfig configures TokenIssuer.
type TokenIssuerConfig struct {
	Backend Backend
	Tokens  *TokenStore
	Clock   Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder
	// RefreshSkew is how long before exp AccessToken refreshes proactively.
	RefreshSkew time.Duration
	// FlightTimeout bounds a shared issuance once it outlives its first caller.
	FlightTimeout time.Duration
}

// TokenIssuer exchanges the provider session for bearer tokens. Issue and
// Refresh share one in-flight call: concurrent callers receive the result of
// the call already on the wire instead of starting another.
type TokenIssuer struct {
	backend       Backend
	tokens        *TokenStore
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
	refreshSkew   time.Duration
	flightTimeout time.Duration

	group singleflight.Group
}

// NewTokenIssuer validates the configuration and constructs the issuer.
func NewTokenIssuer(configuration TokenIssuerConfig) (*TokenIssuer, error) {
	if configuration.Backend == nil {
		return nil, fmt.Errorf("session.token_issuer.new: %w", ErrMissingBackend)
	}
	if configuration.Tokens == nil {
		return nil, fmt.Errorf("session.token_issuer.new: %w", ErrMissingTokenStore)
	}
	issuer := &TokenIssuer{
		backend:       configuration.Backend,
		tokens:        configuration.Tokens,
		clock:         configuration.Clock,
		logger:        configuration.Logger,
		metrics:       metricsOrNoop(configuration.Metrics),
		refreshSkew:   configuration.RefreshSkew,
		flightTimeout: configuration.FlightTimeout,
	}
	if issuer.clock == nil {
		issuer.clock = systemClock{}
	}
	if issuer.logger == nil {
		issuer.logger = zap.NewNop()
	}
	if issuer.refreshSkew <= 0 {
		issuer.refreshSkew = defaultRefreshSkew
	}
	if issuer.flightTimeout <= 0 {
		issuer.flightTimeout = defaultFlightTimeout
	}
	return issuer, nil
}

// Issue requests a new pair from the backend and persists it.
func (issuer *TokenIssuer) Issue(ctx context.Context) (*TokenPair, error) {
	return issuer.shared(ctx)
}

// Refresh re-issues the pair from the provider session, not from the old token.
func (issuer *TokenIssuer) Refresh(ctx context.Context) (*TokenPair, error) {
	return issuer.shared(ctx)
}

// EnsureIssued returns the cached pair for userID, issuing one when none is
// stored or the stored access token names another subject. Opaque tokens
// carry no subject and are kept.
func (issuer *TokenIssuer) EnsureIssued(ctx context.Context, userID string) (*TokenPair, error) {
	pair, loadErr := issuer.tokens.Load(ctx)
	if loadErr != nil {
		issuer.logger.Warn("cached token unreadable; issuing a new pair",
			zap.String("code", "session.token.cache_unreadable"),
			zap.Error(loadErr))
	}
	if pair == nil {
		return issuer.Issue(ctx)
	}
	subject := accessTokenSubject(pair.Access)
	if subject == "" || userID == "" || subject == userID {
		return pair, nil
	}
	issuer.logger.Warn("cached token belongs to another user; issuing a new pair",
		zap.String("code", "session.token.owner_mismatch"),
		zap.String("user_id", userID))
	if discardErr := issuer.Discard(ctx); discardErr != nil {
		return nil, fmt.Errorf("session.token.ensure_issued: %w: %w", ErrTokenIssuanceFailed, discardErr)
	}
	return issuer.Issue(ctx)
}

// AccessToken returns the cached access token, refreshing it first when it
// expires within the configured skew.
func (issuer *TokenIssuer) AccessToken(ctx context.Context) (string, error) {
	pair := issuer.tokens.Cached()
	if pair == nil {
		loaded, loadErr := issuer.tokens.Load(ctx)
		if loadErr != nil {
			return "", loadErr
		}
		pair = loaded
	}
	if pair == nil {
		return "", fmt.Errorf("session.token.access_token: %w", ErrNotAuthenticated)
	}
	if pair.ExpiresAt.IsZero() || issuer.clock.Now().Add(issuer.refreshSkew).Before(pair.ExpiresAt) {
		return pair.Access, nil
	}
	refreshed, refreshErr := issuer.Refresh(ctx)
	if refreshErr != nil {
		return "", refreshErr
	}
	return refreshed.Access, nil
}

// Discard clears the stored pair; used when the provider session is gone.
func (issuer *TokenIssuer) Discard(ctx context.Context) error {
	return issuer.tokens.clear(ctx)
}

func (issuer *TokenIssuer) shared(ctx context.Context) (*TokenPair, error) {
	resultChannel := issuer.group.DoChan(tokenFlightKey, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), issuer.flightTimeout)
		defer cancel()
		return issuer.fetch(flightCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChannel:
		if result.Shared {
			issuer.metrics.Increment(MetricTokenRefreshShared)
		}
		if result.Err != nil {
			return nil, result.Err
		}
		pair, _ := result.Val.(*TokenPair)
		return pair.Clone(), nil
	}
}

func (issuer *TokenIssuer) fetch(ctx context.Context) (*TokenPair, error) {
	revision := issuer.tokens.Revision()
	pair, issueErr := issuer.backend.IssueTokens(ctx)
	if issueErr != nil {
		issuer.metrics.Increment(MetricTokenIssueFailed)
		issuer.logger.Warn("token issuance failed",
			zap.String("code", "session.token.issue_failed"),
			zap.Error(issueErr))
		return nil, fmt.Errorf("session.token.issue: %w: %w", ErrTokenIssuanceFailed, issueErr)
	}
	if pair.IssuedAt.IsZero() {
		pair.IssuedAt = issuer.clock.Now()
	}
	if pair.ExpiresAt.IsZero() {
		pair.ExpiresAt = accessTokenExpiry(pair.Access)
	}
	if saveErr := issuer.tokens.save(ctx, pair, revision); saveErr != nil {
		code := "session.token.save_failed"
		if errors.Is(saveErr, errStaleTokenWrite) {
			code = "session.token.stale_discarded"
		}
		issuer.metrics.Increment(MetricTokenIssueFailed)
		issuer.logger.Warn("issued token not stored",
			zap.String("code", code),
			zap.Error(saveErr))
		return nil, fmt.Errorf("session.token.issue: %w: %w", ErrTokenIssuanceFailed, saveErr)
	}
	issuer.metrics.Increment(MetricTokenIssue)
	return pair, nil
}

// accessTokenSubject reads sub without verifying the signature.
func accessTokenSubject(access string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

// accessTokenExpiry reads exp without verifying the signature; the backend
// verifies tokens, the client only schedules refreshes.
func accessTokenExpiry(access string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time.UTC()
}
