package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TotalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	MeasurementsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurements_ingested_total",
			Help: "Total number of measurements stored, by source",
		},
		[]string{"source"},
	)

	MeasurementsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurements_rejected_total",
			Help: "Total number of readings refused, by reason",
		},
		[]string{"reason"},
	)

	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_connections",
			Help: "Number of open live telemetry websocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(TotalRequests)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(MeasurementsIngested)
	prometheus.MustRegister(MeasurementsRejected)
	prometheus.MustRegister(LiveConnections)
}

// MetricsMiddleware records request counts and latencies labelled by route template,
// so /devices/1 and /devices/2 share one series.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		route := routeTemplate(r)
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		TotalRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.Status)).Inc()
	})
}

func routeTemplate(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func IncrementIngested(source string) {
	MeasurementsIngested.WithLabelValues(source).Inc()
}

func IncrementRejected(reason string) {
	MeasurementsRejected.WithLabelValues(reason).Inc()
}
