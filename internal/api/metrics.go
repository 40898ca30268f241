package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_http_requests_total",
			Help: "HTTP requests by method, route and status class.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_http_request_duration_seconds",
			Help:    "HTTP request latency by route, output streams excluded.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	sseClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_output_stream_clients",
			Help: "Clients currently attached to a run output stream.",
		},
	)
)

// statusClass folds a status code into its class, e.g. 404 -> "4xx".
func statusClass(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return strconv.Itoa(code/100) + "xx"
}

// metricsMiddleware counts requests per chi route pattern, so run IDs never
// become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
		// An output stream lasts as long as its run.
		if ww.Header().Get("Content-Type") == "text/event-stream" {
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
