package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyradmin",
			Name:      "requests_total",
			Help:      "Total number of admin requests.",
		},
		[]string{"app", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyradmin",
			Name:      "request_duration_seconds",
			Help:      "Latency of admin requests.",
			// 1ms .. ~4s; fan-out requests sit near their per-peer timeout.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"app"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyradmin",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight admin requests.",
		},
		[]string{"app"},
	)

	FanoutOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyradmin",
			Name:      "fanout_peer_outcomes_total",
			Help:      "Per-peer results of fan-out queries.",
		},
		[]string{"kind", "outcome"},
	)

	ResponsesEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyradmin",
			Name:      "responses_total",
			Help:      "Admin responses written, by content encoding.",
		},
		[]string{"encoding"},
	)

	ResponseBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyradmin",
			Name:      "response_body_bytes_total",
			Help:      "Admin response body bytes after encoding.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyradmin",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyradmin",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(RequestsTotal, RequestDuration, InFlight, FanoutOutcomes,
		ResponsesEncoded, ResponseBytes, buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ObserveFanout counts one peer's outcome in a fan-out query.
func ObserveFanout(kind, outcome string) {
	FanoutOutcomes.WithLabelValues(kind, outcome).Inc()
}

// ObserveResponse is a wire.Config.Observe hook counting finalized
// responses.
func ObserveResponse(_ *wire.Request, resp *wire.Response) {
	enc, ok := resp.Header("Content-Encoding")
	if !ok {
		enc = "identity"
	}
	ResponsesEncoded.WithLabelValues(enc).Inc()
	ResponseBytes.Add(float64(len(resp.Body)))
}

// ---- Middleware instrumentation ----

// Instrument wraps an admin application to record metrics under the
// provided "app" label.
func Instrument(app string, next wire.App) wire.App {
	return wire.AppFunc(func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		start := time.Now()

		InFlight.WithLabelValues(app).Inc()
		defer InFlight.WithLabelValues(app).Dec()

		resp, err := next.Handle(ctx, req)

		RequestsTotal.WithLabelValues(app, statusClass(resp, err)).Inc()
		RequestDuration.WithLabelValues(app).Observe(time.Since(start).Seconds())
		return resp, err
	})
}

func statusClass(resp *wire.Response, err error) string {
	switch {
	case apierr.IsCancellation(err):
		return "canceled"
	case err != nil:
		return strconv.Itoa(apierr.Status(err)/100) + "xx"
	case resp == nil:
		return "2xx"
	default:
		return strconv.Itoa(resp.Status/100) + "xx"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// InstrumentHTTP wraps a handler on the ops listener.
// Example:
//
//	mux.Handle("/info", telemetry.InstrumentHTTP("info", http.HandlerFunc(n.Info)))
func InstrumentHTTP(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
