package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal tracks API requests
	// Labels: code, method
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_http_requests_total",
			Help: "Total number of HTTP API requests grouped by status code and method",
		},
		[]string{"code", "method"},
	)

	// httpRequestDuration tracks request latency
	// Buckets: 5ms .. 5s; SSE streams land in the last bucket
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnel_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method"},
	)

	// httpInFlight tracks open requests, including SSE streams
	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// MetricsMiddleware records request count, latency and in-flight requests.
// The wrapped writer keeps http.Flusher, so streaming handlers still work.
func MetricsMiddleware(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(httpInFlight,
		promhttp.InstrumentHandlerDuration(httpRequestDuration,
			promhttp.InstrumentHandlerCounter(httpRequestsTotal, next)))
}
