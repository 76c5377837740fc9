// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts proxied requests by provider and status code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_requests_total",
		Help: "Total number of proxied requests",
	}, []string{"provider", "status"})

	// RequestDuration tracks proxied request duration in seconds.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_proxy_request_duration_seconds",
		Help:    "Proxied request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// ActiveRequests tracks in-flight proxied requests.
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "api_proxy_active_requests",
		Help: "Current number of in-flight proxied requests",
	})

	// Selections counts successful key selections.
	Selections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_key_selections_total",
		Help: "Total key selections by provider and strategy",
	}, []string{"provider", "strategy"})

	// NoEligibleKey counts selections that found no eligible key.
	NoEligibleKey = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_no_eligible_key_total",
		Help: "Total selections that found no eligible key",
	}, []string{"provider"})

	// LimitRejections counts requests rejected by in-flight limits.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_limit_rejections_total",
		Help: "Total requests rejected due to in-flight limits",
	}, []string{"type"})

	// AdmissionDenied counts guard rejections by listener and reason.
	AdmissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_admission_denied_total",
		Help: "Total requests denied by the access guard",
	}, []string{"listener", "reason"})

	// WrongPortRejections counts requests for a route owned by the other listener.
	WrongPortRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_wrong_port_rejections_total",
		Help: "Total requests rejected for arriving on the wrong listener",
	}, []string{"listener"})

	// UpstreamErrors counts forwarder failures. These never feed health state.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_upstream_errors_total",
		Help: "Total upstream forwarding errors",
	}, []string{"provider"})

	// Health check metrics

	// ProbeTotal counts probes by key and result.
	ProbeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_proxy_probe_total",
		Help: "Total health probes by key and result",
	}, []string{"provider", "key_id", "result"}) // result: "success" or "failure"

	// ProbeDuration tracks probe duration.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_proxy_probe_duration_seconds",
		Help:    "Health probe duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"provider"})

	// ProbesSkipped counts probes skipped because one was still in flight.
	ProbesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_proxy_probes_skipped_total",
		Help: "Total probes skipped because the previous probe was still running",
	})

	// KeyHealth tracks health per key (2=healthy, 1=degraded, 0=unhealthy).
	KeyHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "api_proxy_key_health",
		Help: "Health per key (2=healthy, 1=degraded, 0=unhealthy)",
	}, []string{"provider", "key_id"})

	// KeysByHealth tracks the number of active keys per provider and health.
	KeysByHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "api_proxy_keys",
		Help: "Number of active keys by provider and health",
	}, []string{"provider", "health"})
)

// Stats holds runtime statistics for the /api/stats endpoint.
type Stats struct {
	ActiveRequests   int64            `json:"active_requests"`
	TotalRequests    int64            `json:"total_requests"`
	UpstreamErrors   int64            `json:"upstream_errors"`
	SelectionsPerKey map[string]int64 `json:"selections_per_key"`
}

// StatsCollector collects proxy runtime statistics.
type StatsCollector struct {
	activeRequests   atomic.Int64
	totalRequests    atomic.Int64
	upstreamErrors   atomic.Int64
	selectionsPerKey sync.Map // key id -> *atomic.Int64
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// IncActiveRequests increments in-flight requests.
func (sc *StatsCollector) IncActiveRequests() {
	sc.activeRequests.Add(1)
	ActiveRequests.Inc()
}

// DecActiveRequests decrements in-flight requests.
func (sc *StatsCollector) DecActiveRequests() {
	sc.activeRequests.Add(-1)
	ActiveRequests.Dec()
}

// IncTotalRequests increments total requests.
func (sc *StatsCollector) IncTotalRequests() {
	sc.totalRequests.Add(1)
}

// IncUpstreamErrors records a forwarding failure for provider.
func (sc *StatsCollector) IncUpstreamErrors(provider string) {
	sc.upstreamErrors.Add(1)
	UpstreamErrors.WithLabelValues(provider).Inc()
}

// IncSelectionsForKey increments the selection count for a key.
func (sc *StatsCollector) IncSelectionsForKey(keyID string) {
	v, ok := sc.selectionsPerKey.Load(keyID)
	if !ok {
		v, _ = sc.selectionsPerKey.LoadOrStore(keyID, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(1)
}

// ForgetKey drops per-key statistics and series of a deleted key.
func (sc *StatsCollector) ForgetKey(provider, keyID string) {
	sc.selectionsPerKey.Delete(keyID)
	DropKeySeries(provider, keyID)
}

// DropKeySeries removes every labelled series of keyID.
func DropKeySeries(provider, keyID string) {
	KeyHealth.DeleteLabelValues(provider, keyID)
	ProbeTotal.DeletePartialMatch(prometheus.Labels{"key_id": keyID})
}

// GetStats returns current statistics.
func (sc *StatsCollector) GetStats() Stats {
	sels := make(map[string]int64)
	sc.selectionsPerKey.Range(func(k, v any) bool {
		sels[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return Stats{
		ActiveRequests:   sc.activeRequests.Load(),
		TotalRequests:    sc.totalRequests.Load(),
		UpstreamErrors:   sc.upstreamErrors.Load(),
		SelectionsPerKey: sels,
	}
}
