package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Heartbeats ----
	BeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beatwatch",
			Name:      "beats_received_total",
			Help:      "Total number of heartbeat datagrams received.",
		},
	)

	Clients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "beatwatch",
			Name:      "clients",
			Help:      "Known heartbeat clients by state, as of the last sweep.",
		},
		[]string{"state"},
	)

	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beatwatch",
			Name:      "sweeps_total",
			Help:      "Total number of sweep cycles run.",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "beatwatch",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one sweep cycle, notifications included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beatwatch",
			Name:      "notifications_total",
			Help:      "Dead-client alerts by delivery result.",
		},
		[]string{"result"},
	)

	// ---- Status HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beatwatch",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beatwatch",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "beatwatch",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "beatwatch",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		BeatsReceived, Clients, SweepsTotal, SweepDuration, NotificationsTotal,
		RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ObserveClients records the alive/dead population seen by a sweep.
func ObserveClients(alive, dead int) {
	Clients.WithLabelValues("alive").Set(float64(alive))
	Clients.WithLabelValues("dead").Set(float64(dead))
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
//
//	mux.Handle("/clients", telemetry.Instrument("clients", http.HandlerFunc(s.Clients)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
