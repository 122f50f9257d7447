package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/version"
)

type ServerMetrics struct {
	reg       *prometheus.Registry
	handler   http.Handler
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errors    *prometheus.CounterVec

	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// limiter
	ratelimitDenied      *prometheus.CounterVec
	ratelimitFirstDenied prometheus.Counter
	ratelimitCapacity    prometheus.Counter
	ratelimitEvicted     prometheus.Counter

	// image generation
	generations         *prometheus.CounterVec
	generationDur       prometheus.Histogram
	storedBytes         prometheus.Histogram
	upstreamThrottleDur prometheus.Histogram

	// secret watcher
	secretPolls       prometheus.Counter
	secretRotations   prometheus.Counter
	secretErrors      *prometheus.CounterVec
	secretLastSuccess prometheus.Gauge
	secretStale       prometheus.Gauge
}

// New returns a private registry with the go/process collectors and every
// metric the server exports. Labels are bounded (method, route, status, policy, result).
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Request latency by method and route",
			// generation requests wait on the upstream for tens of seconds
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Requests rejected by the rate limiter, by violated policy",
		}, []string{"policy"}),
		ratelimitFirstDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_identities_limited_total",
			Help: "Times an identity went from admitted to limited",
		}),
		ratelimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_reached_total",
			Help: "Times the rate limiter reached its tracked identity capacity",
		}),
		ratelimitEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_evicted_identities_total",
			Help: "Idle identities evicted by the sweeper",
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagegen_generations_total",
			Help: "Image generation attempts by result",
		}, []string{"result"}),
		generationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagegen_generation_duration_seconds",
			Help:    "Time to generate, download, and store one image",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120},
		}),
		storedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagegen_stored_bytes",
			Help:    "Size of images written to the bucket",
			Buckets: prometheus.ExponentialBuckets(16384, 4, 7),
		}),
		upstreamThrottleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagegen_upstream_throttle_wait_seconds",
			Help:    "Time spent waiting on the outbound upstream throttle",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		}),
		secretPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secret_watcher_polls_total",
			Help: "Total number of secret watcher poll cycles",
		}),
		secretRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secret_watcher_rotations_total",
			Help: "Total number of observed secret value changes",
		}),
		secretErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secret_watcher_errors_total",
			Help: "Total secret watcher errors by type",
		}, []string{"type"}),
		secretLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secret_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM fetch",
		}),
		secretStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secret_watcher_stale",
			Help: "Whether the secret watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errors,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDenied,
		m.ratelimitFirstDenied,
		m.ratelimitCapacity,
		m.ratelimitEvicted,
		m.generations,
		m.generationDur,
		m.storedBytes,
		m.upstreamThrottleDur,
		m.secretPolls,
		m.secretRotations,
		m.secretErrors,
		m.secretLastSuccess,
		m.secretStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// RegisterTrackedIdentities exports fn as the ratelimit_tracked_identities gauge, read at scrape time
func (m *ServerMetrics) RegisterTrackedIdentities(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ratelimit_tracked_identities",
		Help: "Identities currently held in the rate limiter",
	}, func() float64 { return float64(fn()) }))
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.App,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// IncRateLimitDenied counts one rejection under the policy that caused it
func (m *ServerMetrics) IncRateLimitDenied(policy string) {
	m.ratelimitDenied.WithLabelValues(policy).Inc()
}

func (m *ServerMetrics) IncRateLimitFirstDenied() {
	m.ratelimitFirstDenied.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacity.Inc()
}

func (m *ServerMetrics) AddRateLimitEvicted(n int) {
	m.ratelimitEvicted.Add(float64(n))
}

// ObserveGeneration records one generate-and-store attempt.
// result is a small fixed set: ok, rejected, upstream_error, storage_error, error.
func (m *ServerMetrics) ObserveGeneration(result string, d time.Duration, bytes int64) {
	m.generations.WithLabelValues(result).Inc()
	if result != "ok" {
		return
	}
	m.generationDur.Observe(d.Seconds())
	m.storedBytes.Observe(float64(bytes))
}

func (m *ServerMetrics) ObserveUpstreamThrottle(d time.Duration) {
	m.upstreamThrottleDur.Observe(d.Seconds())
}

func (m *ServerMetrics) IncSecretPolls() {
	m.secretPolls.Inc()
}

func (m *ServerMetrics) IncSecretRotations() {
	m.secretRotations.Inc()
}

func (m *ServerMetrics) IncSecretError(errType string) {
	m.secretErrors.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetSecretLastSuccess(t time.Time) {
	m.secretLastSuccess.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetSecretStale(stale bool) {
	m.secretStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
