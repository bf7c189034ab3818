package graph

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GraphkitCommitsTotal counts commits by graph and outcome.
	GraphkitCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkit_commits_total",
			Help: "Total number of commits processed",
		},
		[]string{"graph", "source", "result"},
	)

	// GraphkitEntriesTotal counts published change log entries.
	GraphkitEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkit_entries_total",
			Help: "Total number of change log entries published",
		},
		[]string{"graph", "kind"},
	)

	// GraphkitCommitSeconds tracks the time spent on the commit queue.
	GraphkitCommitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphkit_commit_seconds",
			Help:    "Time spent validating, persisting and publishing a commit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"graph"},
	)

	// GraphkitNodes tracks the number of committed nodes.
	GraphkitNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphkit_nodes",
			Help: "Current number of committed nodes",
		},
		[]string{"graph"},
	)
)

func init() {
	prometheus.MustRegister(GraphkitCommitsTotal)
	prometheus.MustRegister(GraphkitEntriesTotal)
	prometheus.MustRegister(GraphkitCommitSeconds)
	prometheus.MustRegister(GraphkitNodes)
}
