package watch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GraphkitSubscriptions tracks live subscriptions.
	GraphkitSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphkit_watch_subscriptions",
			Help: "Current number of active watch subscriptions",
		},
	)

	// GraphkitDeliveriesTotal counts entries handed to delegates.
	GraphkitDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphkit_watch_deliveries_total",
			Help: "Total number of change entries delivered to watch delegates",
		},
		[]string{"kind"},
	)

	// GraphkitReleasedTotal counts subscriptions pruned because their
	// delegate was garbage collected.
	GraphkitReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graphkit_watch_released_total",
			Help: "Total number of subscriptions dropped after their delegate was released",
		},
	)
)

func init() {
	prometheus.MustRegister(GraphkitSubscriptions)
	prometheus.MustRegister(GraphkitDeliveriesTotal)
	prometheus.MustRegister(GraphkitReleasedTotal)
}
