package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/GateRelay/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterDegraded *prometheus.CounterVec
	Streams         *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the relay metrics on reg. If reg is also a
// Gatherer, Handler serves it; otherwise Handler serves the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gaterelay_requests_total",
				Help: "Total HTTP requests processed by the relay",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gaterelay_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gaterelay_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"route"},
		),
		LimiterDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gaterelay_limiter_degraded_total",
				Help: "Admission decisions made on local buckets after a shared store failure",
			},
			[]string{"reason"},
		),
		Streams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gaterelay_streams_total",
				Help: "Finished completion streams by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gaterelay_upstream_errors_total",
				Help: "Failed upstream provider calls",
			},
			[]string{"op"},
		),
		gatherer: prometheus.DefaultGatherer,
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited,
		m.LimiterDegraded, m.Streams, m.UpstreamErrors)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRateLimited(route string) { m.RateLimited.WithLabelValues(route).Inc() }
func (m *Metrics) ObserveDegraded(reason string)   { m.LimiterDegraded.WithLabelValues(reason).Inc() }
func (m *Metrics) ObserveUpstreamError(op string)  { m.UpstreamErrors.WithLabelValues(op).Inc() }

func (m *Metrics) ObserveStream(outcome string) { m.Streams.WithLabelValues(outcome).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and deadlines on streamed responses.
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics.
// It uses the route stored by RouteMatcher (routing.RouteFrom), so it must
// run inside it.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := routing.RouteID(r)
			method := r.Method
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
		})
	}
}
