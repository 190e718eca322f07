package services

import "github.com/prometheus/client_golang/prometheus"

// purchaseEvents counts purchase flow transitions by event name. Event names
// are a fixed set of literals, so cardinality stays bounded.
var purchaseEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lottery_purchase_events_total",
		Help: "Purchase flow events by kind.",
	},
	[]string{"event"},
)

func init() {
	prometheus.MustRegister(purchaseEvents)
}

func recordEvent(event string) {
	purchaseEvents.WithLabelValues(event).Inc()
}
