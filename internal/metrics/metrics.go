// ABOUTME: Prometheus collectors for the conversation store
// ABOUTME: Flush scheduler, statement cache and ingest counters, registered by cmd

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values for result-partitioned counters.
const (
	Fail = "fail"
	Ok   = "ok"
)

var (
	FlushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstore_flush_total",
		Help: "Cumulative number of snapshot flushes, by result.",
	}, []string{"result"})
	FlushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatstore_flush_duration_seconds",
		Help:    "Time spent serializing and writing a snapshot.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	SnapshotBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatstore_snapshot_bytes",
		Help: "Size in bytes of the last snapshot written.",
	})
	DirtyMutations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatstore_dirty_mutations",
		Help: "Mutations applied in memory since the last successful flush.",
	})
	StatementRebuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatstore_statement_rebuilds_total",
		Help: "Cumulative number of cached statements dropped and recompiled after an error.",
	})
	MessagesStoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstore_messages_stored_total",
		Help: "Cumulative number of messages stored, by message type.",
	}, []string{"type"})
	MessagesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatstore_messages_deleted_total",
		Help: "Cumulative number of messages deleted.",
	})
)

// Collectors returns every collector in this package, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		FlushTotal,
		FlushDurationSeconds,
		SnapshotBytes,
		DirtyMutations,
		StatementRebuildsTotal,
		MessagesStoredTotal,
		MessagesDeletedTotal,
	}
}
