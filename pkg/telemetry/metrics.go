package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "browserfleet"

// Metrics holds the Prometheus collectors shared by the orchestration
// components. Collectors are registered on the Registerer passed to
// NewMetrics so tests can use private registries.
type Metrics struct {
	// Driver metrics
	DriverUp       *prometheus.GaugeVec
	DriverStarts   *prometheus.CounterVec
	DriverRestarts *prometheus.CounterVec
	DriverStops    *prometheus.CounterVec
	HealthChecks   *prometheus.CounterVec

	// Pool metrics
	PoolConnections    *prometheus.GaugeVec
	PoolAcquire        *prometheus.CounterVec
	PoolAcquireSeconds *prometheus.HistogramVec
	PoolEvictions      *prometheus.CounterVec

	// Session metrics
	SessionsActive prometheus.Gauge
	Resolutions    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. A nil registerer uses a
// fresh private registry, which keeps the collectors usable but unexported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		DriverUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "up",
				Help:      "Whether the driver for a family is healthy (1) or not (0)",
			},
			[]string{"family"},
		),
		DriverStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "starts_total",
				Help:      "Total number of driver start attempts",
			},
			[]string{"family", "result"},
		),
		DriverRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "restarts_total",
				Help:      "Total number of automatic driver restarts",
			},
			[]string{"family"},
		),
		DriverStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "stops_total",
				Help:      "Total number of driver stops by signal needed",
			},
			[]string{"family", "signal"},
		),
		HealthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "health_checks_total",
				Help:      "Total number of driver health probes",
			},
			[]string{"family", "result"},
		),
		PoolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Pooled protocol sessions by state",
			},
			[]string{"family", "state"},
		),
		PoolAcquire: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_total",
				Help:      "Total number of acquire calls by outcome",
			},
			[]string{"family", "outcome"},
		),
		PoolAcquireSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_seconds",
				Help:      "Time spent acquiring a pooled session",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
			},
			[]string{"family"},
		),
		PoolEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "evictions_total",
				Help:      "Total number of pooled sessions closed by reason",
			},
			[]string{"family", "reason"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of bound logical sessions",
			},
		),
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "resolutions_total",
				Help:      "Endpoint resolutions by selected family and rule",
			},
			[]string{"family", "reason"},
		),
	}
}

// BoolLabel renders a success flag as a metric label value.
func BoolLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
