// Package metrics exposes Prometheus collectors for the bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Post outcome label values.
const (
	OutcomeSent          = "sent"
	OutcomeEmpty         = "empty"
	OutcomeDeliveryError = "delivery_error"
)

var (
	// PostsTotal counts post attempts by outcome.
	PostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boorubot_posts_total",
			Help: "Total number of post attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// FetchRetries counts transient search failures that triggered a retry.
	FetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boorubot_fetch_retries_total",
			Help: "Total number of search retries after a transient remote failure.",
		},
	)

	// Observers tracks the number of connected event-feed clients.
	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boorubot_observers",
			Help: "Currently connected websocket observers.",
		},
	)

	// SentRecords tracks the size of the dedup store.
	SentRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boorubot_sent_records",
			Help: "Number of records in the sent-image store.",
		},
	)
)
