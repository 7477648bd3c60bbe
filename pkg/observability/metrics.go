// Copyright 2026 The Compass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability holds the Prometheus instrumentation and the
// OpenTelemetry tracer setup.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's Prometheus instrumentation. All metrics live in a
// private registry so tests can run side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	cacheEvents    *prometheus.CounterVec
	indexSize      *prometheus.GaugeVec
	rebuilds       *prometheus.CounterVec
	auditDropped   prometheus.Counter
	rateLimited    prometheus.Counter
}

// NewMetrics builds the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "compass",
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and outcome status code",
			},
			[]string{"route", "code"},
		),
		searchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "compass",
				Name:      "search_duration_seconds",
				Help:      "Search pipeline latency by backend",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"backend"},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "compass",
				Name:      "cache_events_total",
				Help:      "Cache hits and misses by cache name",
			},
			[]string{"cache", "event"},
		),
		indexSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "compass",
				Name:      "index_size",
				Help:      "Number of vectors per index collection",
			},
			[]string{"collection"},
		),
		rebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "compass",
				Name:      "index_rebuilds_total",
				Help:      "Index rebuilds by outcome",
			},
			[]string{"outcome"},
		),
		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "compass",
				Name:      "audit_events_dropped_total",
				Help:      "Audit events dropped because the log writer lagged",
			},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "compass",
				Name:      "rate_limited_requests_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}

	reg.MustRegister(m.requests, m.searchDuration, m.cacheEvents,
		m.indexSize, m.rebuilds, m.auditDropped, m.rateLimited)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(route, code string) {
	m.requests.WithLabelValues(route, code).Inc()
}

// ObserveSearch records a search pipeline latency sample.
func (m *Metrics) ObserveSearch(backend string, seconds float64) {
	m.searchDuration.WithLabelValues(backend).Observe(seconds)
}

// CacheHit records a cache hit for the named cache.
func (m *Metrics) CacheHit(cache string) {
	m.cacheEvents.WithLabelValues(cache, "hit").Inc()
}

// CacheMiss records a cache miss for the named cache.
func (m *Metrics) CacheMiss(cache string) {
	m.cacheEvents.WithLabelValues(cache, "miss").Inc()
}

// SetIndexSize updates the vector count gauge for a collection.
func (m *Metrics) SetIndexSize(collection string, n int) {
	m.indexSize.WithLabelValues(collection).Set(float64(n))
}

// ObserveRebuild records a rebuild outcome ("success" or "failure").
func (m *Metrics) ObserveRebuild(outcome string) {
	m.rebuilds.WithLabelValues(outcome).Inc()
}

// AddAuditDropped advances the dropped-audit counter by the delta observed
// since the last scrape alignment.
func (m *Metrics) AddAuditDropped(n float64) {
	m.auditDropped.Add(n)
}

// RateLimited records one rejected request.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}
