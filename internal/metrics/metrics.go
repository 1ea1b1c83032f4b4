// Package metrics содержит счётчики Prometheus для чатов.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "chat",
		Name:      "messages_sent_total",
		Help:      "Messages appended to the message log.",
	})

	ThreadsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "chat",
		Name:      "threads_created_total",
		Help:      "Chat threads created by a first message.",
	})

	// ReadReceipts по результату: cleared, noop, invalid, validation, not_found, forbidden, internal
	ReadReceipts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "chat",
		Name:      "read_receipts_total",
		Help:      "Read receipt requests by outcome.",
	}, []string{"result"})

	// SendFailures по причине: validation, not_found, forbidden, internal
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "chat",
		Name:      "send_failures_total",
		Help:      "Failed send-message requests by reason.",
	}, []string{"reason"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synapse",
		Subsystem: "chat",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-user rate limiter.",
	})

	// Открытые соединения на этом инстансе
	WebsocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "synapse",
		Subsystem: "realtime",
		Name:      "websocket_clients",
		Help:      "Open websocket connections on this instance.",
	})
)

func init() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(ThreadsCreated)
	prometheus.MustRegister(ReadReceipts)
	prometheus.MustRegister(SendFailures)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(WebsocketClients)
}
