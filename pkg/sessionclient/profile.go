package sessionclient

import (
	"context"

	"go.uber.org/zap"
)

// ProfileClient loads the signed-in user's profile.
type ProfileClient struct {
	backend Backend
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewProfileClient constructs the client.
func NewProfileClient(backend Backend, logger *zap.Logger, metrics MetricsRecorder) *ProfileClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileClient{backend: backend, logger: logger, metrics: metricsOrNoop(metrics)}
}

// LoadProfile returns nil on any failure; callers treat nil as "identity not established".
func (client *ProfileClient) LoadProfile(ctx context.Context) *User {
	user, err := client.backend.CurrentUser(ctx)
	if err != nil || user == nil {
		client.metrics.Increment(MetricProfileUnavailable)
		client.logger.Warn("profile unavailable",
			zap.String("code", "session.profile.unavailable"),
			zap.Error(err))
		return nil
	}
	return user
}
