// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for wireline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for wireline.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Request metrics
	RequestsTotal  *prometheus.CounterVec
	ResponsesTotal *prometheus.CounterVec
	ProtocolErrors prometheus.Counter

	// Upgrade and WebSocket metrics
	Upgrades          prometheus.Counter
	WebSocketMessages *prometheus.CounterVec
	WebSocketClosed   *prometheus.CounterVec

	// Transport metrics
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter

	// Rate limiter metrics
	RateLimitedConnections prometheus.Counter
}

// New creates a Metrics instance registered with reg. A nil reg selects the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wireline"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"status"},
		),
		ConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests dispatched",
			},
			[]string{"method"},
		),
		ResponsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Total number of HTTP responses sent",
			},
			[]string{"status"},
		),
		ProtocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Total number of HTTP protocol violations",
			},
		),
		Upgrades: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_upgrades_total",
				Help:      "Total number of connections upgraded to WebSocket",
			},
		),
		WebSocketMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_messages_total",
				Help:      "Total number of WebSocket messages",
			},
			[]string{"direction"},
		),
		WebSocketClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_closed_total",
				Help:      "Total number of WebSocket connections closed by close code",
			},
			[]string{"code"},
		),
		BytesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_read_total",
				Help:      "Total bytes read from transports",
			},
		),
		BytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Total bytes written to transports",
			},
		),
		RateLimitedConnections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connections rejected by the rate limiter",
			},
		),
	}
}

// ObserveConnection tracks a connection lifecycle around f.
func (m *Metrics) ObserveConnection(f func() error) error {
	m.ActiveConnections.Inc()
	defer m.ActiveConnections.Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(status).Inc()

	return err
}
