package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write guard metrics
	WritesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lanzone_writes_accepted_total",
			Help: "Total register writes accepted by the write guard",
		},
	)

	WritesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanzone_writes_dropped_total",
			Help: "Total register writes dropped by the write guard, by reason",
		},
		[]string{"reason"},
	)

	// Controller metrics
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lanzone_tick_duration_seconds",
			Help:    "Controller tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consus_id"},
	)

	TickErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanzone_tick_errors_total",
			Help: "Controller ticks that produced an error telemetry record",
		},
		[]string{"consus_id"},
	)

	UnitsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanzone_units_active",
			Help: "Number of battery unit workers currently running",
		},
	)

	// Health metrics
	AlertTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanzone_alert_transitions_total",
			Help: "Alert state machine transitions by code and state",
		},
		[]string{"code", "state"},
	)

	// Backend metrics
	TelemetryPosted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lanzone_telemetry_posted_total",
			Help: "Telemetry records successfully posted to the backend",
		},
	)

	TelemetryDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lanzone_telemetry_dropped_total",
			Help: "Telemetry records dropped due to queue overflow or post failure",
		},
	)

	AlertsPosted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanzone_alerts_posted_total",
			Help: "Alert events posted to the backend by severity",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(WritesAccepted)
	prometheus.MustRegister(WritesDropped)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TickErrors)
	prometheus.MustRegister(UnitsActive)
	prometheus.MustRegister(AlertTransitions)
	prometheus.MustRegister(TelemetryPosted)
	prometheus.MustRegister(TelemetryDropped)
	prometheus.MustRegister(AlertsPosted)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
