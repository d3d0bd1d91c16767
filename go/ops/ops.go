// Package ops wires the ambient observability of the core: structured
// logging fields shared across components, and prometheus collectors which
// embedders may register. Nothing here is required for correctness.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	// FilesScanned counts files enumerated by the scanner, by language.
	FilesScanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_files_scanned_total",
		Help: "Files enumerated by the scanner.",
	}, []string{"language"})

	// ParseErrors counts files which failed syntax-tree construction.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_parse_errors_total",
		Help: "Files which failed to parse during a build.",
	})

	// BatchesCommitted counts writer-actor transactions, by core.
	BatchesCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_batches_committed_total",
		Help: "Write transactions committed by the single-writer actor.",
	}, []string{"core"})

	// EventsAppended counts temporal events appended to the log.
	EventsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_events_appended_total",
		Help: "Temporal events appended to the event log.",
	})

	// SnapshotsTaken counts memory snapshots materialized.
	SnapshotsTaken = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_snapshots_taken_total",
		Help: "Temporal snapshots materialized.",
	})

	// DeltasBuffered gauges sync deltas held awaiting causal predecessors.
	DeltasBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_sync_deltas_buffered",
		Help: "Sync deltas buffered awaiting causal predecessors.",
	})
)

// Collectors returns every collector the core exports, for registration by
// the embedder. The core never registers into the default registry itself.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		FilesScanned,
		ParseErrors,
		BatchesCommitted,
		EventsAppended,
		SnapshotsTaken,
		DeltasBuffered,
	}
}

// Logger returns the component-scoped logger used throughout the core.
func Logger(component string) *log.Entry {
	return log.WithField("component", component)
}
