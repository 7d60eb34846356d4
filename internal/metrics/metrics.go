// Package metrics holds the Prometheus collectors of the synchronization engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are labelled by connector so that one process can run many of them
type Metrics struct {
	EventsPulled      *prometheus.CounterVec
	RowsWritten       *prometheus.CounterVec
	RowsCoalesced     *prometheus.CounterVec
	DeadLettered      *prometheus.CounterVec
	WriteRetries      *prometheus.CounterVec
	BatchDuration     *prometheus.HistogramVec
	CommittedSequence *prometheus.GaugeVec
	Halted            *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg keeps
// them in a private registry, which is what tests and embedders usually want.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsPulled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvsync_events_pulled_total",
				Help: "Total number of events pulled from the change source",
			},
			[]string{"connector"},
		),
		RowsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvsync_rows_written_total",
				Help: "Total number of rows applied to the backing store",
			},
			[]string{"connector", "op"},
		),
		RowsCoalesced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvsync_rows_coalesced_total",
				Help: "Total number of rows superseded by a later row of the same key in one batch",
			},
			[]string{"connector"},
		),
		DeadLettered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvsync_dead_lettered_total",
				Help: "Total number of events routed to the dead-letter store",
			},
			[]string{"connector", "reason"},
		),
		WriteRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvsync_connector_retries_total",
				Help: "Total number of connector level retries after transient failures",
			},
			[]string{"connector"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvsync_batch_write_duration_seconds",
				Help:    "Duration of batch writes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"connector"},
		),
		CommittedSequence: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kvsync_committed_sequence",
				Help: "Highest source sequence acknowledged by the connector",
			},
			[]string{"connector"},
		),
		Halted: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kvsync_connector_halted",
				Help: "1 while the connector is halted and waits for a reset",
			},
			[]string{"connector"},
		),
	}
}
