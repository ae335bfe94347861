package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_accepted_total",
			Help: "Events that passed normalization and entered the delivery queue.",
		},
		[]string{"domain", "action", "severity"},
	)

	eventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_rejected_total",
			Help: "Raw events dropped because they failed validation.",
		},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Events discarded without being stored, labeled by reason.",
		},
		[]string{"reason"},
	)

	eventsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_flushed_total",
			Help: "Events successfully written to the event store.",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Events currently buffered awaiting a flush.",
		},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_flush_duration_seconds",
			Help:    "Duration of store batch writes.",
			Buckets: prometheus.DefBuckets,
		},
	)

	flushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_flush_failures_total",
			Help: "Batch writes that failed, including attempts that were later retried successfully.",
		},
	)
)
