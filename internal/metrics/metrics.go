// Package metrics exposes Prometheus collectors for the course market service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "course_market",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "course_market",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "course_market",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	purchaseAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "course_market",
			Subsystem: "purchase",
			Name:      "attempts_total",
			Help:      "Purchase attempts by terminal outcome.",
		},
		[]string{"outcome"},
	)

	confirmationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "course_market",
			Subsystem: "purchase",
			Name:      "confirmation_duration_seconds",
			Help:      "Time between broadcast and confirmed receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		},
	)

	rewardScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "course_market",
			Subsystem: "rewards",
			Name:      "log_queries_total",
			Help:      "Historical log queries by event kind and result.",
		},
		[]string{"kind", "success"},
	)

	rewardScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "course_market",
			Subsystem: "rewards",
			Name:      "scan_duration_seconds",
			Help:      "Duration of a full history scan.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	liveEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "course_market",
			Subsystem: "rewards",
			Name:      "live_events_total",
			Help:      "Live reward events by result (accepted, duplicate, ignored).",
		},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "course_market",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of connected wallet sessions.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		purchaseAttempts,
		confirmationDuration,
		rewardScans,
		rewardScanDuration,
		liveEvents,
		activeSessions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPurchase records the terminal outcome of a purchase attempt.
func RecordPurchase(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	purchaseAttempts.WithLabelValues(outcome).Inc()
}

// ObserveConfirmation records how long a transaction took to confirm.
func ObserveConfirmation(d time.Duration) {
	confirmationDuration.Observe(d.Seconds())
}

// RecordLogQuery records one per-kind historical log query.
func RecordLogQuery(kind string, success bool) {
	rewardScans.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

// ObserveScan records the duration of a full history scan.
func ObserveScan(d time.Duration) {
	rewardScanDuration.Observe(d.Seconds())
}

// RecordLiveEvent records the handling result of a live reward event.
func RecordLiveEvent(result string) {
	liveEvents.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the connected session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	// /v1/<resource>/<id>/<sub>/... collapses ids so label cardinality stays bounded.
	if parts[0] != "v1" || len(parts) == 1 {
		return "/" + parts[0]
	}
	out := "/v1/" + parts[1]
	if len(parts) >= 3 {
		out += "/:id"
	}
	if len(parts) >= 4 {
		out += "/" + parts[3]
	}
	return out
}
