// Package observability provides observability utilities
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// UnitsProcessed tracks processed units by system and outcome
	UnitsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "susetl_units_total",
			Help: "Total number of units processed",
		},
		[]string{"system", "status"}, // status: skipped, succeeded, empty, fetch_failed, process_failed
	)

	// UnitDuration measures per-unit processing duration in seconds
	UnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "susetl_unit_duration_seconds",
			Help:    "Unit processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"system", "status"},
	)

	// FetchAttempts counts individual fetch attempts by result
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "susetl_fetch_attempts_total",
			Help: "Total number of remote fetch attempts",
		},
		[]string{"result"}, // result: success, transient_error, not_found
	)

	// RowsWritten counts normalized rows persisted to final artifacts
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "susetl_rows_written_total",
			Help: "Total number of normalized rows written to final artifacts",
		},
		[]string{"system"},
	)

	// ChunksWritten counts chunk files written, including resumed runs
	ChunksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "susetl_chunks_written_total",
			Help: "Total number of chunk files written",
		},
		[]string{"system"},
	)
)
