package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newPrometheusInstrumenter builds the same request-count/duration/size
// instrumentation dex's server.go registers when a PrometheusRegistry is
// configured, curried per handler name.
func newPrometheusInstrumenter(reg *prometheus.Registry) func(string, http.Handler) http.HandlerFunc {
	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"code", "method", "handler"})

	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authgate_request_duration_seconds",
		Help:    "A histogram of latencies for requests.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"code", "method", "handler"})

	sizeHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authgate_response_size_bytes",
		Help:    "A histogram of response sizes for requests.",
		Buckets: []float64{200, 500, 900, 1500, 5000},
	}, []string{"code", "method", "handler"})

	reg.MustRegister(requestCounter, durationHist, sizeHist)

	return func(handlerName string, handler http.Handler) http.HandlerFunc {
		return promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": handlerName}),
			promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": handlerName}),
				promhttp.InstrumentHandlerResponseSize(sizeHist.MustCurryWith(prometheus.Labels{"handler": handlerName}), handler),
			),
		)
	}
}
