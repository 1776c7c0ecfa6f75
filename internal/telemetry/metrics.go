/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by endpoint and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_http_requests_total",
		Help: "HTTP requests by endpoint, method and status code.",
	}, []string{"endpoint", "method", "status"})

	// HTTPRequestDuration observes HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomsync_http_request_duration_seconds",
		Help:    "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_http_active_connections",
		Help: "In-flight HTTP requests.",
	})

	// WebSocketConnections gauges open websocket connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_websocket_connections",
		Help: "Open websocket connections.",
	})

	// ActiveRooms gauges rooms currently resident in memory.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_active_rooms",
		Help: "Rooms with at least one connected client.",
	})

	// ConnectedClients gauges client sessions across all rooms.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_connected_clients",
		Help: "Client sessions across all rooms.",
	})

	// CommandsTotal counts broker commands by type and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_commands_total",
		Help: "Broker commands by type and outcome.",
	}, []string{"command", "outcome"})

	// DriftCorrectionsTotal counts drift-triggered seek broadcasts.
	DriftCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_drift_corrections_total",
		Help: "Seek broadcasts triggered by client drift reports.",
	})

	// PersistFailuresTotal counts best-effort snapshot writes that failed.
	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_persist_failures_total",
		Help: "Durable store writes that failed.",
	})

	// SlowClientDropsTotal counts clients dropped from fan-out for falling
	// behind.
	SlowClientDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_slow_client_drops_total",
		Help: "Clients dropped from room fan-out because their event buffer filled.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
