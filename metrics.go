package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
// These are package-level so handlers, middleware, the store wrapper and the
// inventory adapter can all update them

// version is overridden at build time: -ldflags "-X main.version=1.2.3"
var version = "dev"

var (
	// httpRequestsTotal counts all HTTP requests
	// path is the chi route pattern (/api/inventory/{id}), never the raw URL,
	// so item names do not explode the number of series
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inventory_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// itemsTotal and unitsTotal follow the server's snapshot
	itemsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inventory_items",
			Help: "Number of distinct items in the current snapshot",
		},
	)

	unitsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inventory_units",
			Help: "Sum of quantities in the current snapshot",
		},
	)

	// mutationsTotal counts adds and removes by outcome:
	// created, updated, deleted, noop, invalid, error
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_mutations_total",
			Help: "Inventory mutations by operation and result",
		},
		[]string{"op", "result"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inventory_store_duration_seconds",
			Help:    "Document store call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "op"},
	)

	storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_store_errors_total",
			Help: "Failed document store calls",
		},
		[]string{"driver", "op"},
	)

	sseSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inventory_sse_subscribers",
			Help: "Connected change-feed clients",
		},
	)

	sseDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_sse_dropped_total",
			Help: "Mutations dropped because a subscriber was not keeping up",
		},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_rate_limited_total",
			Help: "Mutation requests rejected by the rate limiter",
		},
	)

	// buildInfo is always 1; the labels carry the metadata
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inventory_info",
			Help: "Build information (always 1)",
		},
		[]string{"version"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		itemsTotal,
		unitsTotal,
		mutationsTotal,
		storeOpDuration,
		storeErrorsTotal,
		sseSubscribers,
		sseDroppedTotal,
		rateLimitedTotal,
		buildInfo,
	)
	buildInfo.WithLabelValues(version).Set(1)
}
