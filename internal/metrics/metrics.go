package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event names recorded by the token lifecycle and sync pipeline.
const (
	EventTokenCacheHit       = "token.cache_hit"
	EventTokenStoreHit       = "token.store_hit"
	EventTokenRefreshSuccess = "token.refresh.success"
	EventTokenRefreshFailure = "token.refresh.failure"

	EventSyncCreated        = "sync.created"
	EventSyncUpdated        = "sync.updated"
	EventSyncSkipped        = "sync.skipped"
	EventSyncItemError      = "sync.item_error"
	EventSyncDetailFallback = "sync.detail_fallback"
	EventSyncRateLimited    = "sync.rate_limited"
	EventSyncExternalError  = "sync.external_error"
	EventTypeRegistered     = "sync.type_registered"
)

// MetricsRecorder increments counters for lifecycle and sync events.
type MetricsRecorder interface {
	Increment(event string)
}

// Discard drops every event.
type Discard struct{}

// Increment is a no-op.
func (Discard) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the event counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		events: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "strava_sync_events_total",
			Help: "Token lifecycle and activity sync events by name.",
		}, []string{"event"}),
	}
}

// Increment adds one to the event's series.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
