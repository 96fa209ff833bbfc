/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package metrics provides Prometheus metrics for the stream client.

METRIC CATEGORIES:
==================
- Connections: open, failures
- Publishing: published, confirmed, errored, undetermined (per stream)
- Consuming: chunks received, messages delivered, credits granted (per stream)
- Topology: metadata refreshes (per stream)

EXAMPLE METRICS:
================

	rmqstream_connections_open 3
	rmqstream_published_total{stream="orders"} 12345
	rmqstream_confirmed_total{stream="orders"} 12340
	rmqstream_undetermined_total{stream="orders"} 5

The collectors are registered on a caller supplied prometheus.Registerer.
A nil *Metrics is valid and records nothing.
*/
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rmqstream"

// Metrics holds the client's collectors.
type Metrics struct {
	connectionsOpen    prometheus.Gauge
	connectionFailures prometheus.Counter

	published     *prometheus.CounterVec
	confirmed     *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	undetermined  *prometheus.CounterVec

	chunksReceived    *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	creditsGranted    *prometheus.CounterVec

	metadataRefreshes *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg disables metrics and returns a nil *Metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	streamLabel := []string{"stream"}
	m := &Metrics{
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Number of open broker connections",
		}),
		connectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Connections that failed to open or were lost",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages sent to the broker",
		}, streamLabel),
		confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmed_total",
			Help:      "Messages confirmed by the broker",
		}, streamLabel),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Messages rejected by the broker",
		}, streamLabel),
		undetermined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undetermined_total",
			Help:      "Messages whose outcome is unknown after a connection loss",
		}, streamLabel),
		chunksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Chunks delivered by the broker",
		}, streamLabel),
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to consumer handlers",
		}, streamLabel),
		creditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_granted_total",
			Help:      "Chunk credits granted to the broker",
		}, streamLabel),
		metadataRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_refreshes_total",
			Help:      "Topology resolutions issued against the broker",
		}, streamLabel),
	}

	m.connectionsOpen = register(reg, m.connectionsOpen)
	m.connectionFailures = register(reg, m.connectionFailures)
	for _, vec := range []**prometheus.CounterVec{
		&m.published, &m.confirmed, &m.publishErrors, &m.undetermined,
		&m.chunksReceived, &m.messagesDelivered, &m.creditsGranted, &m.metadataRefreshes,
	} {
		*vec = register(reg, *vec)
	}
	return m, nil
}

// register adds c to reg, reusing the existing collector when several
// environments share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// ConnectionOpened records a connection reaching the open state.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
}

// ConnectionClosed records an open connection going away.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

// ConnectionFailed records a failed dial, handshake or a lost connection.
func (m *Metrics) ConnectionFailed() {
	if m == nil {
		return
	}
	m.connectionFailures.Inc()
}

// Published records n messages written in publish frames.
func (m *Metrics) Published(stream string, n int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(stream).Add(float64(n))
}

// Confirmed records n confirmed messages.
func (m *Metrics) Confirmed(stream string, n int) {
	if m == nil {
		return
	}
	m.confirmed.WithLabelValues(stream).Add(float64(n))
}

// PublishErrors records n rejected messages.
func (m *Metrics) PublishErrors(stream string, n int) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(stream).Add(float64(n))
}

// Undetermined records n messages reported as undetermined.
func (m *Metrics) Undetermined(stream string, n int) {
	if m == nil {
		return
	}
	m.undetermined.WithLabelValues(stream).Add(float64(n))
}

// ChunkReceived records one delivered chunk.
func (m *Metrics) ChunkReceived(stream string) {
	if m == nil {
		return
	}
	m.chunksReceived.WithLabelValues(stream).Inc()
}

// Delivered records n messages handed to the application.
func (m *Metrics) Delivered(stream string, n int) {
	if m == nil {
		return
	}
	m.messagesDelivered.WithLabelValues(stream).Add(float64(n))
}

// CreditsGranted records credits sent to the broker.
func (m *Metrics) CreditsGranted(stream string, n int) {
	if m == nil {
		return
	}
	m.creditsGranted.WithLabelValues(stream).Add(float64(n))
}

// MetadataRefreshed records one metadata query.
func (m *Metrics) MetadataRefreshed(stream string) {
	if m == nil {
		return
	}
	m.metadataRefreshes.WithLabelValues(stream).Inc()
}
