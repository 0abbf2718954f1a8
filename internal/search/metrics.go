package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stageDuration observes per-stage latency. Labels: stage
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "corpusd",
			Subsystem: "search",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each search stage",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"stage"},
	)

	// requests counts searches by answer status. Labels: status
	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Searches by answer status",
		},
		[]string{"status"},
	)

	degradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "search",
			Name:      "degraded_total",
			Help:      "Searches served through a degraded path, by path",
		},
		[]string{"path"},
	)
)
