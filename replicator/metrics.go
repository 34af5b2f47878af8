package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "csreplicator",
		Name:      "events_processed_total",
		Help:      "Replicated binlog events dispatched by the replicator.",
	})
	eventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "csreplicator",
		Name:      "events_skipped_total",
		Help:      "Binlog events rejected by the skip gate or the table allowlist.",
	})
	transactionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "csreplicator",
		Name:      "transactions_committed_total",
		Help:      "Transactions committed across all downstream participants.",
	})
	upstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "csreplicator",
		Name:      "upstream_reconnects_total",
		Help:      "Times the upstream connection was dropped and re-established.",
	})
	lastCommitTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "csreplicator",
		Name:      "last_commit_timestamp_seconds",
		Help:      "Unix time of the last successful commit.",
	})
)
