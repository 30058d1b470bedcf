package sessionclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// IdentityStatus is the result of a provider session check.
type IdentityStatus struct {
	Authenticated bool
	CheckedAt     time.Time
	// Failure is ReasonNetworkUnavailable when the backend could not be reached.
	Failure FailureReason
}

// IdentityStatusClient asks the backend whether the provider session is live.
type IdentityStatusClient struct {
	backend Backend
	clock   Clock
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewIdentityStatusClient constructs the client; nil logger, clock, and metrics are allowed.
func NewIdentityStatusClient(backend Backend, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *IdentityStatusClient {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityStatusClient{
		backend: backend,
		clock:   clock,
		logger:  logger,
		metrics: metricsOrNoop(metrics),
	}
}

// CheckStatus fails closed: any transport error, non-2xx response, or
// malformed body reports an unauthenticated session.
func (client *IdentityStatusClient) CheckStatus(ctx context.Context) IdentityStatus {
	authenticated, err := client.backend.Status(ctx)
	checkedAt := client.clock.Now()
	failure := ReasonNone
	if err != nil {
		if errors.Is(err, ErrNetworkUnavailable) {
			failure = ReasonNetworkUnavailable
		}
		client.logger.Warn("identity status unavailable",
			zap.String("code", "session.status.unavailable"),
			zap.Error(err))
		authenticated = false
	}
	if authenticated {
		client.metrics.Increment(MetricStatusAuthenticated)
	} else {
		client.metrics.Increment(MetricStatusUnauthenticated)
	}
	return IdentityStatus{Authenticated: authenticated, CheckedAt: checkedAt, Failure: failure}
}
