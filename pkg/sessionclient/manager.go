package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ManagerConfig wires the session manager to its collaborators.
type ManagerConfig struct {
	Backend Backend
	Tokens  *TokenStore
	// Navigator is required only for BeginLogin.
	Navigator      Navigator
	AppBaseURL     string
	CallbackPath   string
	OnboardingPath string
	RefreshSkew    time.Duration
	Clock          Clock
	Logger         *zap.Logger
	Metrics        MetricsRecorder
}

type identityPhase int

const (
	identityUnknown identityPhase = iota
	identityChecking
	identityAuthenticated
	identityUnauthenticated
)

// Manager owns the process-wide session. All state transitions go through
// it; consumers read snapshots or subscribe to changes.
//
// Every lifecycle run (Initialize, HandleCallback, Logout) starts a new
// epoch. Results of a run whose epoch is no longer current, or that finish
// after Close, are dropped.
type Manager struct {
	backend   Backend
	tokens    *TokenStore
	statuses  *IdentityStatusClient
	profiles  *ProfileClient
	issuer    *TokenIssuer
	login     *LoginInitiator
	callbacks *CallbackResolver
	logouts   *LogoutCoordinator
	logger    *zap.Logger

	mutex              sync.Mutex
	identity           identityPhase
	user               *User
	failure            FailureReason
	notice             FailureReason
	acknowledgedUserID string
	epoch              uint64
	closed             bool
	listeners          map[uint64]func(Snapshot)
	nextListenerID     uint64
}

// NewManager validates the configuration and builds every component.
func NewManager(configuration ManagerConfig) (*Manager, error) {
	if configuration.Backend == nil {
		return nil, fmt.Errorf("session.manager.new: %w", ErrMissingBackend)
	}
	if configuration.Tokens == nil {
		return nil, fmt.Errorf("session.manager.new: %w", ErrMissingTokenStore)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := metricsOrNoop(configuration.Metrics)
	issuer, issuerErr := NewTokenIssuer(TokenIssuerConfig{
		Backend:     configuration.Backend,
		Tokens:      configuration.Tokens,
		Clock:       configuration.Clock,
		Logger:      logger,
		Metrics:     metrics,
		RefreshSkew: configuration.RefreshSkew,
	})
	if issuerErr != nil {
		return nil, issuerErr
	}
	statuses := NewIdentityStatusClient(configuration.Backend, configuration.Clock, logger, metrics)
	profiles := NewProfileClient(configuration.Backend, logger, metrics)
	manager := &Manager{
		backend:   configuration.Backend,
		tokens:    configuration.Tokens,
		statuses:  statuses,
		profiles:  profiles,
		issuer:    issuer,
		callbacks: NewCallbackResolver(statuses, profiles, issuer, configuration.OnboardingPath, logger, metrics),
		logouts:   NewLogoutCoordinator(configuration.Backend, configuration.Tokens, logger, metrics),
		logger:    logger,
		listeners: make(map[uint64]func(Snapshot)),
	}
	if configuration.Navigator != nil {
		login, loginErr := NewLoginInitiator(configuration.Backend, configuration.Navigator, configuration.AppBaseURL, configuration.CallbackPath, logger)
		if loginErr != nil {
			return nil, loginErr
		}
		manager.login = login
	}
	return manager, nil
}

// Snapshot returns the current derived session state.
func (manager *Manager) Snapshot() Snapshot {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.snapshotLocked()
}

// Subscribe registers listener for every subsequent transition. Listeners
// run on the goroutine that caused the transition, outside the manager lock.
func (manager *Manager) Subscribe(listener func(Snapshot)) (unsubscribe func()) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.closed || listener == nil {
		return func() {}
	}
	listenerID := manager.nextListenerID
	manager.nextListenerID++
	manager.listeners[listenerID] = listener
	return func() {
		manager.mutex.Lock()
		defer manager.mutex.Unlock()
		delete(manager.listeners, listenerID)
	}
}

// Close tears the session down for this consumer. In-flight calls finish but
// their results are not applied.
func (manager *Manager) Close() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.closed = true
	manager.listeners = make(map[uint64]func(Snapshot))
}

// Initialize runs status, profile, token, and gate in order and returns the
// resulting snapshot.
func (manager *Manager) Initialize(ctx context.Context) Snapshot {
	epoch, started := manager.begin(ctx, false)
	if !started {
		return manager.Snapshot()
	}
	identity, authenticated := verifyIdentity(ctx, manager.statuses)
	if !authenticated {
		manager.signOutQuietly(ctx, epoch, identity.status.Failure)
		return manager.Snapshot()
	}
	profiled, loaded := identity.loadProfile(ctx, manager.profiles)
	if !loaded {
		manager.signOutQuietly(ctx, epoch, ReasonNone)
		return manager.Snapshot()
	}
	session, issueErr := profiled.issueTokens(ctx, manager.issuer)
	if issueErr != nil {
		manager.signOutLocally(ctx, epoch, ReasonTokenIssuanceFailed)
		return manager.Snapshot()
	}
	manager.commit(epoch, func() {
		manager.adoptUserLocked(session.user)
	})
	return manager.Snapshot()
}

// BeginLogin starts the SSO redirect toward returnPath.
func (manager *Manager) BeginLogin(ctx context.Context, returnPath string) error {
	if manager.login == nil {
		return fmt.Errorf("session.manager.begin_login: %w", ErrMissingNavigator)
	}
	return manager.login.BeginLogin(ctx, returnPath)
}

// CallbackURL is the return address BeginLogin hands to the provider.
func (manager *Manager) CallbackURL(returnPath string) string {
	if manager.login == nil {
		return ""
	}
	return manager.login.CallbackURL(returnPath)
}

// HandleCallback resolves the provider's return URL and applies the outcome.
func (manager *Manager) HandleCallback(ctx context.Context, rawURL string) CallbackOutcome {
	callback, parseErr := ParseCallback(rawURL)
	epoch, started := manager.begin(ctx, true)
	if !started {
		// A closed manager resolves nothing.
		return CallbackOutcome{Failure: ReasonAuthenticationFailed}
	}
	var outcome CallbackOutcome
	if parseErr != nil {
		outcome = manager.callbacks.fail(ReasonMissingCredential)
	} else {
		outcome = manager.callbacks.Resolve(ctx, callback)
	}
	if !outcome.Succeeded() {
		manager.signOutLocally(ctx, epoch, outcome.Failure)
		return outcome
	}
	manager.commit(epoch, func() {
		manager.adoptUserLocked(outcome.User)
	})
	return outcome
}

// CompleteOnboarding submits the onboarding form. After the server
// acknowledges it, the in-memory user is marked onboarded before the profile
// is re-fetched, and the mark survives a stale re-fetch.
func (manager *Manager) CompleteOnboarding(ctx context.Context, form OnboardingForm) (Snapshot, error) {
	manager.mutex.Lock()
	epoch := manager.epoch
	current := manager.user.Clone()
	closed := manager.closed
	ready := manager.identity == identityAuthenticated && current != nil && manager.failure == ReasonNone
	manager.mutex.Unlock()
	if closed {
		return manager.Snapshot(), fmt.Errorf("session.manager.complete_onboarding: %w", ErrSessionClosed)
	}
	if !ready {
		return manager.Snapshot(), fmt.Errorf("session.manager.complete_onboarding: %w", ErrNotAuthenticated)
	}

	updated, submitErr := manager.backend.CompleteOnboarding(ctx, form)
	if submitErr != nil {
		manager.logger.Warn("onboarding submission failed",
			zap.String("code", "session.onboarding.submit_failed"),
			zap.Error(submitErr))
		return manager.Snapshot(), fmt.Errorf("session.manager.complete_onboarding: %w", submitErr)
	}
	if updated == nil || updated.ID == "" {
		updated = current
	}
	updated.markOnboarded()
	applied := manager.commit(epoch, func() {
		manager.acknowledgedUserID = updated.ID
		manager.user = updated
	})
	if !applied {
		return manager.Snapshot(), nil
	}

	if refreshed := manager.profiles.LoadProfile(ctx); refreshed != nil {
		manager.commit(epoch, func() {
			manager.adoptUserLocked(refreshed)
		})
	}

	if _, issueErr := manager.issuer.EnsureIssued(ctx, updated.ID); issueErr != nil {
		manager.signOutLocally(ctx, epoch, ReasonTokenIssuanceFailed)
		return manager.Snapshot(), issueErr
	}
	return manager.Snapshot(), nil
}

// Logout ends the session. Local user and token state are cleared even when
// the remote call fails, in which case the error wraps ErrLogoutPartial. The
// returned URL is empty when the backend supplied none.
func (manager *Manager) Logout(ctx context.Context) (string, error) {
	manager.mutex.Lock()
	manager.epoch++
	epoch := manager.epoch
	manager.mutex.Unlock()

	logoutURL, logoutErr := manager.logouts.Logout(ctx)
	manager.commit(epoch, func() {
		manager.identity = identityUnauthenticated
		manager.user = nil
		manager.failure = ReasonNone
		manager.notice = ReasonNone
		if errors.Is(logoutErr, ErrLogoutPartial) {
			manager.notice = ReasonLogoutPartial
		}
		manager.acknowledgedUserID = ""
	})
	return logoutURL, logoutErr
}

// RefreshTokens re-issues the bearer pair; concurrent callers share one call.
func (manager *Manager) RefreshTokens(ctx context.Context) (*TokenPair, error) {
	return manager.issuer.Refresh(ctx)
}

// AccessToken returns a bearer token that is not about to expire.
func (manager *Manager) AccessToken(ctx context.Context) (string, error) {
	return manager.issuer.AccessToken(ctx)
}

// Transport wraps base with bearer authentication for application API calls.
func (manager *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	return &BearerTransport{Issuer: manager.issuer, Base: base}
}

// begin starts a new epoch. A fresh login also drops the stored pair, since
// it may belong to whoever signed in before.
func (manager *Manager) begin(ctx context.Context, freshLogin bool) (uint64, bool) {
	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return 0, false
	}
	if freshLogin {
		if discardErr := manager.issuer.Discard(ctx); discardErr != nil {
			manager.logger.Warn("previous token pair not cleared before login",
				zap.String("code", "session.callback.discard_failed"),
				zap.Error(discardErr))
		}
	}
	manager.epoch++
	manager.identity = identityChecking
	manager.user = nil
	manager.failure = ReasonNone
	manager.notice = ReasonNone
	epoch := manager.epoch
	snapshot, listeners := manager.snapshotLocked(), manager.listenersLocked()
	manager.mutex.Unlock()
	notify(listeners, snapshot)
	return epoch, true
}

// commit applies mutate when epoch is still current and notifies listeners.
func (manager *Manager) commit(epoch uint64, mutate func()) bool {
	manager.mutex.Lock()
	if manager.closed || epoch != manager.epoch {
		manager.mutex.Unlock()
		manager.logger.Debug("stale session result dropped",
			zap.String("code", "session.manager.stale_result"),
			zap.Uint64("epoch", epoch))
		return false
	}
	mutate()
	snapshot, listeners := manager.snapshotLocked(), manager.listenersLocked()
	manager.mutex.Unlock()
	notify(listeners, snapshot)
	return true
}

// signOutQuietly ends the session without entering the error state; notice
// is reported on the unauthenticated snapshot.
func (manager *Manager) signOutQuietly(ctx context.Context, epoch uint64, notice FailureReason) {
	manager.endSession(ctx, epoch, ReasonNone, notice)
}

// signOutLocally drops the user and the stored tokens and records reason as
// the session failure.
func (manager *Manager) signOutLocally(ctx context.Context, epoch uint64, reason FailureReason) {
	manager.endSession(ctx, epoch, reason, ReasonNone)
}

// endSession clears the token store under the manager lock so a newer run
// cannot interleave with it.
func (manager *Manager) endSession(ctx context.Context, epoch uint64, failure FailureReason, notice FailureReason) {
	manager.commit(epoch, func() {
		manager.identity = identityUnauthenticated
		manager.user = nil
		manager.failure = failure
		manager.notice = notice
		if discardErr := manager.issuer.Discard(ctx); discardErr != nil {
			manager.logger.Error("token store not cleared",
				zap.String("code", "session.manager.discard_failed"),
				zap.Error(discardErr))
		}
	})
}

func (manager *Manager) adoptUserLocked(user *User) {
	adopted := user.Clone()
	if manager.acknowledgedUserID != "" && adopted.ID == manager.acknowledgedUserID {
		adopted.markOnboarded()
	}
	manager.identity = identityAuthenticated
	manager.user = adopted
	manager.failure = ReasonNone
	manager.notice = ReasonNone
}

func (manager *Manager) snapshotLocked() Snapshot {
	snapshot := Snapshot{Reason: manager.failure}
	switch {
	case manager.failure != ReasonNone:
		snapshot.State = StateError
	case manager.identity == identityUnknown:
		snapshot.State = StateUnknown
	case manager.identity == identityChecking:
		snapshot.State = StateCheckingStatus
	case manager.identity == identityUnauthenticated:
		snapshot.State = StateUnauthenticated
		snapshot.Reason = manager.notice
	case manager.user == nil:
		snapshot.State = StateCheckingStatus
	case RequiresOnboarding(manager.user):
		snapshot.State = StateAwaitingOnboarding
	default:
		snapshot.State = StateAuthenticated
	}
	if manager.identity == identityAuthenticated && manager.user != nil {
		snapshot.User = manager.user.Clone()
		snapshot.Tokens = manager.tokens.Cached()
	}
	return snapshot
}

func (manager *Manager) listenersLocked() []func(Snapshot) {
	listeners := make([]func(Snapshot), 0, len(manager.listeners))
	for _, listener := range manager.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func notify(listeners []func(Snapshot), snapshot Snapshot) {
	for _, listener := range listeners {
		listener(snapshot)
	}
}
