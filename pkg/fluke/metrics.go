package fluke

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluke_connections_active",
		Help: "Number of open transport connections.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluke_requests_total",
		Help: "Total number of requests served.",
	}, []string{"proto", "method", "status"})

	requestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluke_requests_in_flight",
		Help: "Number of requests currently being handled.",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluke_request_duration_seconds",
		Help:    "Request handling duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"proto"})

	bufferPoolFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluke_buffer_pool_free",
		Help: "Buffers currently available in the shared pool.",
	})

	acceptsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluke_accepts_rejected_total",
		Help: "Connections refused by the accept rate limiter.",
	})
)
