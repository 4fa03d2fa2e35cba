// Package telemetry exposes the prometheus metrics shared by the chat
// services. Metrics are registered on the default registry; mount
// Handler() on /metrics to scrape them.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "Messages appended to the store, by kind.",
		},
		[]string{"kind"},
	)

	MessagesEdited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_edited_total",
			Help: "Successful message edits.",
		},
	)

	MessagesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_deleted_total",
			Help: "Messages tombstoned by their sender.",
		},
	)

	ReadMarks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_read_marks_total",
			Help: "Read marker advances.",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_sessions",
			Help: "Currently connected websocket sessions.",
		},
	)

	BusPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_bus_publish_failures_total",
			Help: "Event bus publishes that failed after the store write.",
		},
	)

	FallbackDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fallback_deliveries_total",
			Help: "Events handed to the push fallback, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(MessagesStored)
	prometheus.MustRegister(MessagesEdited)
	prometheus.MustRegister(MessagesDeleted)
	prometheus.MustRegister(ReadMarks)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(BusPublishFailures)
	prometheus.MustRegister(FallbackDeliveries)
}

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
