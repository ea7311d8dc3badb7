package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campusattend_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusattend_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})

	// PartitionsBound counts first-time partition binds.
	PartitionsBound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_partitions_bound_total",
		Help: "Partitions bound to their schema.",
	}, []string{"kind"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_dispatch_total",
		Help: "Absence notification dispatch calls by result.",
	}, []string{"result"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_notifications_total",
		Help: "Parent messages by outcome.",
	}, []string{"outcome"})

	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_promotions_total",
		Help: "Promotion batches by stream and result.",
	}, []string{"stream", "result"})

	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusattend_queue_jobs_total",
		Help: "Queue jobs by type and result.",
	}, []string{"type", "result"})
)
