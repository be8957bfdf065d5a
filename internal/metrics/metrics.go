package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-gate/internal/version"
)

const namespace = "gate"

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// limiter
	admissionsTotal *prometheus.CounterVec
	workDur         *prometheus.HistogramVec
	reapedTotal     prometheus.Counter
	capacityTotal   prometheus.Counter

	// rules watcher
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	rulesLoadDuration    prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
	rulesDocumentInfo    *prometheus.GaugeVec
	rulesSource          *prometheus.GaugeVec
}

// New returns a fresh registry + standard collectors + HTTP and limiter metrics.
// HTTP metrics use safe labels only (method, route, code) to avoid cardinality explosions,
// identities never become label values.
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
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome (admitted, rejected, open)",
		}, []string{"outcome"}),
		workDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_duration_seconds",
			Help:      "Duration of work run after admission, by result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_identities_total",
			Help:      "Window logs dropped after their identity went idle",
		}),
		capacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_reached_total",
			Help:      "Times the identity registry reached its configured maximum",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_watcher_polls_total",
			Help:      "Total number of rules watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_watcher_swaps_total",
			Help:      "Total number of rules documents applied",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_watcher_errors_total",
			Help:      "Total rules watcher errors by type",
		}, []string{"type"}),
		rulesLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rules_load_duration_seconds",
			Help:      "Time to fetch, verify, and parse a rules document",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_watcher_last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last successful rules fetch",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_watcher_stale",
			Help:      "Whether the rules watcher is stale (1) or healthy (0)",
		}),
		rulesDocumentInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_document_identities",
			Help:      "Identities in the active rules document (label carries its sha256)",
		}, []string{"sha256"}),
		rulesSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_source_info",
			Help:      "Configured rules source (label carries value, gauge is always 1)",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.admissionsTotal,
		m.workDur,
		m.reapedTotal,
		m.capacityTotal,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.rulesLoadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
		m.rulesDocumentInfo,
		m.rulesSource,
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
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// TrackLimiter exposes live registry sizes as gauges read at scrape time.
// Call once per ServerMetrics.
func (m *ServerMetrics) TrackLimiter(configured, tracked func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_configured",
			Help:      "Identities with a registered rule set",
		}, func() float64 { return float64(configured()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_tracked",
			Help:      "Identities with a live window log",
		}, func() float64 { return float64(tracked()) }),
	)
}

// IncAdmission, ObserveWork and AddReaped satisfy ratelimit.Metrics.

func (m *ServerMetrics) IncAdmission(outcome string) {
	m.admissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) ObserveWork(seconds float64, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	m.workDur.WithLabelValues(result).Observe(seconds)
}

func (m *ServerMetrics) AddReaped(n int) {
	m.reapedTotal.Add(float64(n))
}

func (m *ServerMetrics) IncCapacityReached() {
	m.capacityTotal.Inc()
}

// the rest satisfy rules.WatcherMetrics.

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveRulesLoadDuration(seconds float64) {
	m.rulesLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(t time.Time) {
	m.watcherLastSuccessTs.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func (m *ServerMetrics) SetRulesDocument(sha256 string, identities int) {
	m.rulesDocumentInfo.Reset() // clear previous label value
	m.rulesDocumentInfo.WithLabelValues(sha256).Set(float64(identities))
}

func (m *ServerMetrics) SetRulesSource(source string) {
	m.rulesSource.Reset()
	m.rulesSource.WithLabelValues(source).Set(1)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
