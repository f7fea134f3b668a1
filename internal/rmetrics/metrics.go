// Package rmetrics exposes Prometheus metrics for the Raft core, the
// MVCC transaction layer, and the fallback controller.
package rmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft core metrics.
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftkv_raft_term",
		Help: "Current Raft term observed by this node.",
	})

	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftkv_raft_is_leader",
		Help: "Whether this node is the Raft leader (1) or not (0).",
	})

	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftkv_raft_commit_index",
		Help: "Highest committed log index on this node.",
	})

	RaftAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftkv_raft_applied_index",
		Help: "Highest applied log index on this node.",
	})

	RaftLastLogIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftkv_raft_last_log_index",
		Help: "Index of the last log entry stored on this node.",
	})

	RaftPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftkv_raft_peers_total",
		Help: "Number of members in the current Raft configuration.",
	})

	ElectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftkv_raft_elections_started_total",
		Help: "Number of elections this node has started as a candidate.",
	})

	SnapshotsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftkv_raft_snapshots_sent_total",
		Help: "Number of snapshot transmits initiated to followers.",
	})

	SnapshotsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftkv_raft_snapshots_received_total",
		Help: "Number of snapshots installed from a leader.",
	})

	// Transaction layer metrics.
	TxnCommitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "raftkv_txn_commit_duration_seconds",
		Help:    "Time taken for a transaction commit to complete.",
		Buckets: prometheus.DefBuckets,
	}, []string{"consistency"})

	TxnConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftkv_txn_conflicts_total",
		Help: "Number of transactions that failed with a read/write conflict.",
	})

	TxnRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftkv_txn_retries_total",
		Help: "Number of transactions that returned a Retry error.",
	})

	TxnRebasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftkv_txn_rebases_total",
		Help: "Number of times an in-flight transaction was rebased forward.",
	})

	// Fallback controller metrics.
	FallbackCurrentTarget = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftkv_fallback_current_target_index",
		Help: "Index of the currently selected fallback target (-1 = standalone).",
	})

	FallbackMigrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftkv_fallback_migrations_total",
		Help: "Number of completed fallback migrations.",
	})

	FallbackTargetAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "raftkv_fallback_target_available",
		Help: "Hysteresis-adjusted availability of each fallback target (1 available, 0 not).",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(
		RaftTerm,
		RaftIsLeader,
		RaftCommitIndex,
		RaftAppliedIndex,
		RaftLastLogIndex,
		RaftPeers,
		ElectionsStarted,
		SnapshotsSent,
		SnapshotsReceived,
		TxnCommitDuration,
		TxnConflictsTotal,
		TxnRetriesTotal,
		TxnRebasesTotal,
		FallbackCurrentTarget,
		FallbackMigrationsTotal,
		FallbackTargetAvailable,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
