// Package metrics registers the prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients tracks the number of live sync connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rostersync_connected_clients",
		Help: "Number of currently connected sync clients.",
	})

	// OperationsTotal counts inbound wire messages by type.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rostersync_operations_total",
		Help: "Inbound sync messages handled, by message type.",
	}, []string{"type"})

	// BroadcastsTotal counts fan-out messages by type.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rostersync_broadcasts_total",
		Help: "Messages broadcast to connected clients, by message type.",
	}, []string{"type"})
)
