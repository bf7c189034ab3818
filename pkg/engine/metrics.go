package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GraphkitFollowerCommitsTotal counts commits read by followers, by outcome
	// (applied, own, failed)
	GraphkitFollowerCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkit_follower_commits_total",
			Help: "Total number of commits read from storage by followers",
		},
		[]string{"graph", "result"},
	)

	// GraphkitFollowerCursor tracks the last commit sequence a follower has seen
	GraphkitFollowerCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphkit_follower_cursor",
			Help: "Last commit sequence number processed by the follower",
		},
		[]string{"graph"},
	)

	// GraphkitWebhookDeliveriesTotal counts webhook posts by outcome
	GraphkitWebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkit_webhook_deliveries_total",
			Help: "Total number of webhook deliveries",
		},
		[]string{"webhook_id", "result"},
	)

	// GraphkitLeader is 1 while this instance holds the lease
	GraphkitLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphkit_leader",
			Help: "Whether this instance holds the named lease",
		},
		[]string{"lease"},
	)

	// GraphkitArchivedCommitsTotal counts commits moved from the store to
	// blob storage
	GraphkitArchivedCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkit_archived_commits_total",
			Help: "Total number of commits archived to blob storage",
		},
		[]string{"graph"},
	)
)

func init() {
	prometheus.MustRegister(GraphkitFollowerCommitsTotal)
	prometheus.MustRegister(GraphkitFollowerCursor)
	prometheus.MustRegister(GraphkitWebhookDeliveriesTotal)
	prometheus.MustRegister(GraphkitLeader)
	prometheus.MustRegister(GraphkitArchivedCommitsTotal)
}
