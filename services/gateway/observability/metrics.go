// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat gateway.
//
// # Description
//
// Metrics cover admission (rate limiting), store resolution, and the
// streaming relay:
//   - request outcomes by response code
//   - rate-limit rejections
//   - store resolutions by result (found, created, error)
//   - fragments relayed, time to first fragment, stream duration
//   - active streams and client disconnects
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe on a nil *GatewayMetrics, which records nothing, so
// tests and metrics-disabled deployments need no special casing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/lexgate/services/gateway/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "lexgate"
	gatewaySubsystem = "gateway"
)

// Stream outcomes used as the status label.
const (
	StreamComplete  = "complete"
	StreamAborted   = "aborted"
	StreamCancelled = "cancelled"
)

// GatewayMetrics holds the gateway's collectors.
type GatewayMetrics struct {
	// RequestsTotal counts finished /chat requests.
	// Labels: code (OK or an ErrorCode)
	RequestsTotal *prometheus.CounterVec

	// RateLimitedTotal counts requests rejected by the limiter.
	RateLimitedTotal prometheus.Counter

	// StoreResolutionsTotal counts finished store resolution flights.
	// Labels: result (found, created, error)
	StoreResolutionsTotal *prometheus.CounterVec

	// FragmentsTotal counts text fragments written to clients.
	FragmentsTotal prometheus.Counter

	// TimeToFirstFragmentSeconds measures request start to first byte.
	TimeToFirstFragmentSeconds prometheus.Histogram

	// StreamDurationSeconds measures committed streams end to end.
	// Labels: status (complete, aborted, cancelled)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks requests currently inside the relay.
	ActiveStreams prometheus.Gauge

	// ClientDisconnectsTotal counts streams ended by the client.
	ClientDisconnectsTotal prometheus.Counter
}

// NewGatewayMetrics creates the collectors and registers them with reg.
//
// # Description
//
// Passing a fresh prometheus.NewRegistry() gives isolated metrics for tests.
// Passing prometheus.DefaultRegisterer exposes them through promhttp.Handler.
//
// # Limitations
//
//   - Panics if the same registerer already holds these collectors.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	f := promauto.With(reg)
	return &GatewayMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total chat requests by response code",
			},
			[]string{"code"},
		),

		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "rate_limited_total",
			Help:      "Total chat requests rejected by the per-client rate limiter",
		}),

		StoreResolutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "store_resolutions_total",
				Help:      "Total knowledge base store resolution flights by result",
			},
			[]string{"result"},
		),

		FragmentsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "fragments_total",
			Help:      "Total text fragments relayed to clients",
		}),

		TimeToFirstFragmentSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "time_to_first_fragment_seconds",
			Help:      "Time from request arrival to first relayed fragment in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),

		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "active_streams",
			Help:      "Number of chat requests currently relaying",
		}),

		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total streams ended by client disconnection",
		}),
	}
}

// =============================================================================
// Recording helpers
// =============================================================================

// RecordRequest counts a finished request. code is "" for success.
func (m *GatewayMetrics) RecordRequest(code datatypes.ErrorCode) {
	if m == nil {
		return
	}
	label := string(code)
	if label == "" {
		label = "OK"
	}
	m.RequestsTotal.WithLabelValues(label).Inc()
}

// RecordRateLimited counts a limiter rejection.
func (m *GatewayMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RecordStoreResolution counts a finished resolution flight.
func (m *GatewayMetrics) RecordStoreResolution(result string) {
	if m == nil {
		return
	}
	m.StoreResolutionsTotal.WithLabelValues(result).Inc()
}

// StreamStarted marks a request entering the relay.
func (m *GatewayMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded records a stream's outcome.
//
// fragments is the number relayed. firstFragment is zero when nothing was
// written.
func (m *GatewayMetrics) StreamEnded(status string, start, firstFragment time.Time, fragments int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.FragmentsTotal.Add(float64(fragments))
	if !firstFragment.IsZero() {
		m.TimeToFirstFragmentSeconds.Observe(firstFragment.Sub(start).Seconds())
		m.StreamDurationSeconds.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	if status == StreamCancelled {
		m.ClientDisconnectsTotal.Inc()
	}
}
