// Package metrics exposes the Prometheus collectors for the
// evaluation and detection pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RulesEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rules_evaluated_total",
			Help: "Total number of compliance rule evaluations",
		},
		[]string{"status"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a compliance request",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActivitiesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_activities_ingested_total",
			Help: "Total number of activity events ingested",
		},
		[]string{"activity_type"},
	)

	DetectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_detection_duration_seconds",
			Help:    "Time taken to run the detection passes for one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_alerts_raised_total",
			Help: "Total number of alerts raised",
		},
		[]string{"alert_type", "severity"},
	)

	FalsePositivesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_false_positives_total",
			Help: "Total number of alerts marked false positive",
		},
		[]string{"alert_type"},
	)

	BaselinesUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_baselines_updated_total",
			Help: "Total number of user baseline recomputations",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
