// Package metrics holds the Prometheus instruments shared by the cost engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Price feed
	QuotesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealcost_quotes_ingested_total",
			Help: "Price quotes offered to the feed store, by outcome",
		},
		[]string{"outcome"}, // "accepted", "stale", "duplicate", "invalid"
	)

	PriceLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealcost_effective_price_lookups_total",
			Help: "Effective price lookups, by result",
		},
		[]string{"result"}, // "ok", "no_data"
	)

	QuotesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mealcost_quotes_aged_out_total",
			Help: "Ingredients whose freshest quote crossed the freshness window or expired",
		},
	)

	// Recompute
	RecomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mealcost_recompute_duration_seconds",
			Help:    "Duration of a single recipe cost computation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // "ok", "partial", "error", "discarded"
	)

	WaveSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mealcost_wave_recipes",
			Help:    "Recipes recomputed per propagation wave",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
	)

	DirtyRecipes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mealcost_dirty_recipes",
			Help: "Recipes waiting for recomputation",
		},
	)

	// Cost cache
	CostReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealcost_cost_reads_total",
			Help: "Cost reads served, by freshness",
		},
		[]string{"freshness"}, // "fresh", "stale", "computed"
	)

	// Ingestion
	FeedPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealcost_feed_polls_total",
			Help: "Feed poll attempts, by source kind and result",
		},
		[]string{"source", "result"},
	)

	HistoryFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealcost_history_flushes_total",
			Help: "Quote history batch flushes, by result",
		},
		[]string{"result"},
	)

	// HTTP
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mealcost_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveRecompute records how long a computation took.
func ObserveRecompute(result string, start time.Time) {
	RecomputeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}
