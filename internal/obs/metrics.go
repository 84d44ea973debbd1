// Package obs holds the controller's Prometheus instrumentation. Metrics are
// registered on the default registry at import time and exposed at /metrics.
package obs

import "github.com/prometheus/client_golang/prometheus"

const metricPrefix = "smartmeter_"

var (
	// MeterReads counts poll outcomes: ok, timeout, error, open_failed,
	// device_missing.
	MeterReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "meter_reads_total",
		Help: "Meter poll attempts by outcome.",
	}, []string{"result"})

	// SolisRequests counts cloud poll cycles: ok, error.
	SolisRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "solis_requests_total",
		Help: "SolisCloud poll cycles by outcome.",
	}, []string{"result"})

	// FeederPublishes counts frames written into the slave banks: fresh,
	// republish.
	FeederPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "feeder_publishes_total",
		Help: "Frames published into the inverter-facing register banks.",
	}, []string{"kind"})

	// CompensationKw is the current safety-gated set-point.
	CompensationKw = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricPrefix + "compensation_kw",
		Help: "Current safety-gated compensation set-point in kW.",
	})

	// SnapshotAgeMs is the meter snapshot age as seen by the summary job.
	SnapshotAgeMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricPrefix + "meter_snapshot_age_ms",
		Help: "Age of the latest meter snapshot in milliseconds (-1 before first read).",
	})

	// ActiveAlerts tracks active alerts by severity.
	ActiveAlerts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: metricPrefix + "active_alerts",
		Help: "Currently active alerts by severity.",
	}, []string{"severity"})
)

func init() {
	prometheus.MustRegister(
		MeterReads, SolisRequests, FeederPublishes,
		CompensationKw, SnapshotAgeMs, ActiveAlerts,
	)
}
