package sessionclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// DefaultOnboardingPath is where users who still need onboarding are sent.
const DefaultOnboardingPath = "/onboarding"

// CallbackContext is what the identity provider's redirect carried.
type CallbackContext struct {
	Ticket          string
	NeedsOnboarding bool
	CASSuccess      bool
	CallbackURL     string
}

// ParseCallback reads ticket, needs_onboarding, cas_success, and callback_url
// from the return URL.
func ParseCallback(rawURL string) (CallbackContext, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return CallbackContext{}, fmt.Errorf("session.callback.parse: %w", ErrInvalidCallbackURL)
	}
	query := parsed.Query()
	return CallbackContext{
		Ticket:          strings.TrimSpace(query.Get("ticket")),
		NeedsOnboarding: strings.EqualFold(query.Get("needs_onboarding"), "true"),
		CASSuccess:      strings.EqualFold(query.Get("cas_success"), "true"),
		CallbackURL:     query.Get("callback_url"),
	}, nil
}

func (callback CallbackContext) hasCredential() bool {
	return callback.Ticket != "" || callback.CASSuccess
}

// CallbackOutcome is the terminal result of resolving one callback.
type CallbackOutcome struct {
	Destination string
	Failure     FailureReason
	User        *User
	Tokens      *TokenPair
}

// Succeeded reports whether the callback established a session.
func (outcome CallbackOutcome) Succeeded() bool {
	return outcome.Failure == ReasonNone
}

// CallbackResolver turns a provider redirect into a session or a failure.
// It never retries; the caller restarts the login.
type CallbackResolver struct {
	statuses       *IdentityStatusClient
	profiles       *ProfileClient
	issuer         *TokenIssuer
	onboardingPath string
	logger         *zap.Logger
	metrics        MetricsRecorder
}

// NewCallbackResolver constructs the resolver.
func NewCallbackResolver(statuses *IdentityStatusClient, profiles *ProfileClient, issuer *TokenIssuer, onboardingPath string, logger *zap.Logger, metrics MetricsRecorder) *CallbackResolver {
	if strings.TrimSpace(onboardingPath) == "" {
		onboardingPath = DefaultOnboardingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackResolver{
		statuses:       statuses,
		profiles:       profiles,
		issuer:         issuer,
		onboardingPath: SanitizeReturnPath(onboardingPath),
		logger:         logger,
		metrics:        metricsOrNoop(metrics),
	}
}

// Resolve runs the callback state machine once.
func (resolver *CallbackResolver) Resolve(ctx context.Context, callback CallbackContext) CallbackOutcome {
	if !callback.hasCredential() {
		return resolver.fail(ReasonMissingCredential)
	}
	identity, authenticated := verifyIdentity(ctx, resolver.statuses)
	if !authenticated {
		if identity.status.Failure == ReasonNetworkUnavailable {
			return resolver.fail(ReasonNetworkUnavailable)
		}
		return resolver.fail(ReasonAuthenticationFailed)
	}
	profiled, loaded := identity.loadProfile(ctx, resolver.profiles)
	if !loaded {
		return resolver.fail(ReasonProfileUnavailable)
	}
	session, issueErr := profiled.issueTokens(ctx, resolver.issuer)
	if issueErr != nil {
		return resolver.fail(ReasonTokenIssuanceFailed)
	}
	destination := SanitizeReturnPath(callback.CallbackURL)
	// Either signal may be stale on its own.
	if callback.NeedsOnboarding || session.requiresOnboarding() {
		destination = resolver.onboardingPath
	}
	resolver.metrics.Increment(MetricCallbackSuccess)
	return CallbackOutcome{
		Destination: destination,
		User:        session.user,
		Tokens:      session.tokens,
	}
}

func (resolver *CallbackResolver) fail(reason FailureReason) CallbackOutcome {
	resolver.metrics.Increment(MetricCallbackFailure)
	resolver.logger.Warn("callback resolution failed",
		zap.String("code", "session.callback.failed"),
		zap.String("reason", string(reason)))
	return CallbackOutcome{Failure: reason}
}
