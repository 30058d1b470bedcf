package sessionclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogoutCoordinator ends the backend session and clears local credentials.
type LogoutCoordinator struct {
	backend Backend
	tokens  *TokenStore
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewLogoutCoordinator constructs the coordinator.
func NewLogoutCoordinator(backend Backend, tokens *TokenStore, logger *zap.Logger, metrics MetricsRecorder) *LogoutCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogoutCoordinator{backend: backend, tokens: tokens, logger: logger, metrics: metricsOrNoop(metrics)}
}

// Logout calls the backend and then clears the token store whatever the
// outcome. It returns the provider logout URL when the backend supplied one;
// an empty URL means the caller falls back to a local-only logout. A failed
// remote call is reported as ErrLogoutPartial.
func (coordinator *LogoutCoordinator) Logout(ctx context.Context) (string, error) {
	logoutURL, remoteErr := coordinator.backend.Logout(ctx)
	coordinator.metrics.Increment(MetricLogout)
	if clearErr := coordinator.tokens.clear(ctx); clearErr != nil {
		coordinator.logger.Error("token store not cleared on logout",
			zap.String("code", "session.logout.clear_failed"),
			zap.Error(clearErr))
	}
	if remoteErr != nil {
		coordinator.metrics.Increment(MetricLogoutPartial)
		coordinator.logger.Warn("remote logout failed; local session cleared",
			zap.String("code", "session.logout.partial"),
			zap.Error(remoteErr))
		return "", fmt.Errorf("session.logout: %w: %w", ErrLogoutPartial, remoteErr)
	}
	return logoutURL, nil
}
