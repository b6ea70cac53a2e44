package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flextest_http_requests_total",
		Help: "HTTP requests served, by route and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flextest_http_request_duration_seconds",
		Help:    "HTTP request latency. Event streams are observed when they close.",
		Buckets: []float64{.001, .005, .025, .1, .5, 1, 5, 30, 120},
	}, []string{"method", "route"})

	eventStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flextest_event_streams_active",
		Help: "Number of open run event streams.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, eventStreamsActive)
}

func observeRequest(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// routeLabel is the matched chi pattern so IDs never become label values.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
