// Package metrics exposes Prometheus collectors for adapter operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "pgobjects"

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of adapter operations by name",
		},
		[]string{"operation"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of failed adapter operations by name and error kind",
		},
		[]string{"operation", "kind"},
	)

	racesAbsorbed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_races_absorbed_total",
			Help:      "Concurrent schema changes treated as success",
		},
		[]string{"kind"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of adapter operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Observe records one operation that started at start. kind labels the error
// and is ignored when err is nil.
func Observe(operation string, start time.Time, err error, kind string) {
	operationsTotal.WithLabelValues(operation).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		errorsTotal.WithLabelValues(operation, kind).Inc()
	}
}

// RaceAbsorbed counts a duplicate-object error that was swallowed.
func RaceAbsorbed(kind string) {
	racesAbsorbed.WithLabelValues(kind).Inc()
}
