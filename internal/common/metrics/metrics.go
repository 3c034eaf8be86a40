// Package metrics holds the Prometheus collectors of the tracking service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeStale    = "stale"
)

type Metrics struct {
	SessionsActive prometheus.Gauge
	Snapshots      *prometheus.CounterVec
	Reconnects     prometheus.Counter
	Emissions      prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracking_sessions_active",
			Help: "Open tracking sessions.",
		}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_snapshots_total",
			Help: "Inbound order snapshots by outcome.",
		}, []string{"outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracking_reconnects_total",
			Help: "Live channel reconnections after a transport failure.",
		}),
		Emissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracking_emissions_total",
			Help: "Tracking states emitted to observers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsActive, m.Snapshots, m.Reconnects, m.Emissions)
	}
	return m
}

func (m *Metrics) Snapshot(outcome string) { m.Snapshots.WithLabelValues(outcome).Inc() }
