package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// documentsProcessed counts documents by run outcome. Labels: outcome
	documentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Documents processed by embedding runs, by outcome",
		},
		[]string{"outcome"},
	)

	chunksUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corpusd",
		Subsystem: "ingest",
		Name:      "chunks_upserted_total",
		Help:      "Chunk vectors written to the index",
	})

	staleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corpusd",
		Subsystem: "ingest",
		Name:      "stale_retries_total",
		Help:      "Embeddings discarded because the document text changed mid-run",
	})

	documentsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corpusd",
		Subsystem: "ingest",
		Name:      "documents_deleted_total",
		Help:      "Documents whose embeddings were deleted",
	})
)
