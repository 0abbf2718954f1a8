package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits counts cache hits. Labels: cache
	Hits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)

	// Misses counts cache misses. Labels: cache
	Misses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// Evictions counts entries dropped for capacity or expiry. Labels: cache
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of cache evictions",
		},
		[]string{"cache"},
	)

	// Entries reports the current number of entries. Labels: cache
	Entries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "corpusd",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		},
		[]string{"cache"},
	)

	// Corruptions counts entries dropped because they were malformed.
	// Labels: cache
	Corruptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "cache",
			Name:      "corruptions_total",
			Help:      "Total number of malformed cache entries dropped",
		},
		[]string{"cache"},
	)

	// SharedCalls counts callers that joined an in-flight computation
	// instead of starting their own. Labels: group
	SharedCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "singleflight",
			Name:      "shared_total",
			Help:      "Total number of callers served by an in-flight call",
		},
		[]string{"group"},
	)

	// FactoryRebuilds counts versioned factory rebuilds. Labels: factory
	FactoryRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "factory",
			Name:      "rebuilds_total",
			Help:      "Total number of versioned factory rebuilds",
		},
		[]string{"factory"},
	)
)
