package sessionclient

import "sync"

// Session events recorded through MetricsRecorder.
const (
	MetricStatusAuthenticated   = "status.authenticated"
	MetricStatusUnauthenticated = "status.unauthenticated"
	MetricProfileUnavailable    = "profile.unavailable"
	MetricTokenIssue            = "token.issue"
	MetricTokenRefreshShared    = "token.refresh_shared"
	MetricTokenIssueFailed      = "token.issue_failed"
	MetricCallbackSuccess       = "callback.success"
	MetricCallbackFailure       = "callback.failure"
	MetricLogout                = "logout"
	MetricLogoutPartial         = "logout.partial"
)

// MetricsRecorder increments counters for session events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics counts session events (status checks, token issuance and
// sharing, callback outcomes, logouts) in memory. The campusauth CLI logs
// its totals at debug level after each session subcommand.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics returns a recorder with every event at zero.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment records one occurrence of event, one of the Metric constants.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count reports how many times event occurred, zero when it never did.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot copies the totals of every event seen so far.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

func metricsOrNoop(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return noopMetrics{}
	}
	return recorder
}
