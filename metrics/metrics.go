// Package metrics defines the Prometheus collectors for the session pool.
// All collectors are registered upfront on the default registry so every
// component can use them without further wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks in-use pooled sessions per resource.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_sessions_active",
		Help: "Number of pooled sessions currently in use per resource",
	}, []string{"resource_id"})

	// SessionsIdle tracks idle pooled sessions per resource.
	SessionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_sessions_idle",
		Help: "Number of idle pooled sessions per resource",
	}, []string{"resource_id"})

	// AcquiresTotal counts pool acquisitions by outcome (hit or miss).
	AcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_acquires_total",
		Help: "Total pool acquisitions by outcome",
	}, []string{"resource_id", "outcome"})

	// SessionsClosed counts removed sessions by reason.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_sessions_closed_total",
		Help: "Total pooled sessions removed, by removal reason",
	}, []string{"resource_id", "reason"})

	// SessionOpenDuration measures the cost the pool amortizes: the time to
	// open an authenticated session plus derive its document handle.
	SessionOpenDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enginepool_session_open_seconds",
		Help:    "Time to open a session and derive its document handle",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"resource_id"})

	// HealthProbesTotal counts liveness probes by status.
	HealthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_health_probes_total",
		Help: "Total health probes by status",
	}, []string{"resource_id", "status"})

	// ReconnectAttemptsTotal counts reconnect attempts by status.
	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_reconnect_attempts_total",
		Help: "Total reconnect attempts by status",
	}, []string{"resource_id", "status"})

	// SweepEvictionsTotal counts idle-TTL evictions performed by the sweeper.
	SweepEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_sweep_evictions_total",
		Help: "Total sessions evicted by the idle-TTL sweeper",
	}, []string{"resource_id"})

	// SoftCapExceededTotal counts cache misses that pushed a resource past
	// its soft connection cap.
	SoftCapExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_soft_cap_exceeded_total",
		Help: "Total connection creations past the per-resource soft cap",
	}, []string{"resource_id"})

	// WarmUpTotal counts warm-up outcomes.
	WarmUpTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_warmup_total",
		Help: "Total warm-up attempts by status",
	}, []string{"status"})

	// EndpointLookupsTotal counts active-endpoint resolutions by provider
	// and status.
	EndpointLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginepool_endpoint_lookups_total",
		Help: "Total active-endpoint lookups by provider and status",
	}, []string{"provider", "status"})
)
