package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/houzhh15/tunnel-registry/tunnel"
)

var (
	// recordsByStatus tracks the number of records per status
	// Labels: status (inactive, activating, active, deactivating)
	recordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnel_registry_records",
			Help: "Number of tunnel records grouped by status",
		},
		[]string{"status"},
	)

	// notificationsTotal counts observer fan-outs
	// Labels: kind (inserted, modified, moved, removed)
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_registry_notifications_total",
			Help: "Total number of registry change notifications grouped by kind",
		},
		[]string{"kind"},
	)
)

// recordStatusChange moves one record between status buckets. An empty
// status means the record did not exist before, or no longer exists.
func recordStatusChange(from, to tunnel.Status) {
	if from != "" {
		recordsByStatus.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		recordsByStatus.WithLabelValues(string(to)).Inc()
	}
}
