// Package metrics exposes Prometheus HTTP instrumentation shared by all services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookclub/internal/util"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookclub_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "route", "method", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookclub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "route", "method"},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookclub_notifications_total",
			Help: "Notifications fanned out, by verb and delivery mode.",
		},
		[]string{"verb", "mode"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, notificationsTotal)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records count and latency per matched route pattern. It must
// wrap the ServeMux directly so r.Pattern is populated after routing.
func Instrument(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &util.StatusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(service, route, r.Method, strconv.Itoa(rec.Code())).Inc()
		httpRequestDuration.WithLabelValues(service, route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// NotificationSent counts one fanned-out notification.
func NotificationSent(verb, mode string) {
	notificationsTotal.WithLabelValues(verb, mode).Inc()
}
