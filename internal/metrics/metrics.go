// Package metrics exposes the pool manager's Prometheus gauges, counters,
// and histograms, following the teacher's flat promauto-variable layout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstancesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_instances_total",
		Help: "Number of instances in the pool by derived state.",
	}, []string{"state"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_tick_duration_seconds",
		Help:    "Duration of reconciler tick cycles.",
		Buckets: prometheus.DefBuckets,
	})
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_ticks_total",
		Help: "Total number of reconciler ticks run.",
	})
	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_tick_errors_total",
		Help: "Per-instance errors observed during a tick, by stage.",
	}, []string{"stage"})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_circuit_breaker_open",
		Help: "1 when the creation circuit breaker is open, 0 otherwise.",
	})
	CircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_circuit_breaker_trips_total",
		Help: "Total number of times the creation circuit breaker tripped open.",
	})

	InstancesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_instances_created_total",
		Help: "Total number of instance creation attempts by outcome.",
	}, []string{"outcome"})
	CreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_create_duration_seconds",
		Help:    "Duration of instance creation, from provider call to gateway-ready.",
		Buckets: prometheus.DefBuckets,
	})

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_claims_total",
		Help: "Total number of claim attempts by outcome.",
	}, []string{"outcome"})
	ClaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_claim_duration_seconds",
		Help:    "Duration of claim operations, from request to response.",
		Buckets: prometheus.DefBuckets,
	})

	RecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_recycle_total",
		Help: "Total number of recycle attempts by outcome.",
	}, []string{"outcome"})
	DestroyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_destroy_total",
		Help: "Total number of destroy operations by outcome.",
	}, []string{"outcome"})

	HeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_heartbeat_failures_total",
		Help: "Total number of failed heartbeat probes by instance state at probe time.",
	}, []string{"state"})

	GatewayProbeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_gateway_probe_errors_total",
		Help: "Total number of gateway status probe errors by kind.",
	}, []string{"kind"})

	MaintenanceSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_maintenance_sweeps_total",
		Help: "Total number of maintenance sweeps run, by outcome.",
	}, []string{"outcome"})
	MaintenanceCrashedDigest = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_maintenance_crashed_stale_count",
		Help: "Number of crashed instances older than the digest age reported by the last sweep.",
	})
)
