package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// importEntriesTotal counts entries by outcome
	// Labels: outcome (imported, name, duplicate, decode, parse, insert)
	importEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_import_entries_total",
			Help: "Total number of imported configuration entries grouped by outcome",
		},
		[]string{"outcome"},
	)

	// importBatchesTotal counts import calls by result
	// Labels: result (success, partial, failed)
	importBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_import_batches_total",
			Help: "Total number of import calls grouped by result",
		},
		[]string{"result"},
	)
)
