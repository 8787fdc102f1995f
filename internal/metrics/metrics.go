package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/version"
)

const namespace = "sitedeploy"

// DeployMetrics holds the metrics of one deploy process. A deploy is a short
// batch job, so metrics are written to a node_exporter textfile at exit
// instead of being scraped.
type DeployMetrics struct {
	reg *prometheus.Registry

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	lastSuccess  prometheus.Gauge

	contentObjects     *prometheus.CounterVec
	contentFiles       prometheus.Gauge
	contentBytes       prometheus.Gauge
	invalidationsTotal *prometheus.CounterVec
	invalidationPaths  prometheus.Counter
	uploadThrottled    prometheus.Counter
}

// New returns a fresh registry with the process collectors and deploy metrics.
// labels stay low cardinality: step kind and result only, never paths.
func New() *DeployMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &DeployMetrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Provisioning steps applied by kind and result",
		}, []string{"kind", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Provisioning step latency by kind",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		}, []string{"kind"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Deploy runs by result",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a whole deploy run",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last fully successful deploy",
		}),
		contentObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_objects_total",
			Help:      "Content objects handled by action (uploaded, deleted, unchanged, failed)",
		}, []string{"action"}),
		contentFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_files",
			Help:      "Files in the local content tree at the last sync",
		}),
		contentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_bytes",
			Help:      "Total size of the local content tree at the last sync",
		}),
		invalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "CDN invalidation requests by result",
		}, []string{"result"}),
		invalidationPaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidation_paths_total",
			Help:      "Purge patterns sent to the CDN",
		}),
		uploadThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_throttled_total",
			Help:      "Storage writes that waited on the upload pacer",
		}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.stepsTotal,
		m.stepDuration,
		m.runsTotal,
		m.runDuration,
		m.lastSuccess,
		m.contentObjects,
		m.contentFiles,
		m.contentBytes,
		m.invalidationsTotal,
		m.invalidationPaths,
		m.uploadThrottled,
	)
	m.reg = reg
	return m
}

// Gatherer exposes the registry.
func (m *DeployMetrics) Gatherer() prometheus.Gatherer { return m.reg }

// WriteTextfile writes every metric to path in the text exposition format,
// atomically, for the node_exporter textfile collector.
func (m *DeployMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

// set once at startup.
func (m *DeployMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
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

func (m *DeployMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveStep records one applied step. result is "ok" or an error class.
func (m *DeployMetrics) ObserveStep(kind, result string, d time.Duration) {
	m.stepsTotal.WithLabelValues(kind, result).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRun records a whole run and, on success, its completion time.
func (m *DeployMetrics) ObserveRun(ok bool, d time.Duration, finished time.Time) {
	result := "error"
	if ok {
		result = "ok"
		m.lastSuccess.Set(float64(finished.Unix()))
	}
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(d.Seconds())
}

// ObserveContent records the outcome of a content sync.
func (m *DeployMetrics) ObserveContent(files int, bytes int64, uploaded, deleted, unchanged, failed int) {
	m.contentFiles.Set(float64(files))
	m.contentBytes.Set(float64(bytes))
	m.contentObjects.WithLabelValues("uploaded").Add(float64(uploaded))
	m.contentObjects.WithLabelValues("deleted").Add(float64(deleted))
	m.contentObjects.WithLabelValues("unchanged").Add(float64(unchanged))
	m.contentObjects.WithLabelValues("failed").Add(float64(failed))
}

// ObserveInvalidation records one purge request.
func (m *DeployMetrics) ObserveInvalidation(ok bool, paths int) {
	if !ok {
		m.invalidationsTotal.WithLabelValues("rejected").Inc()
		return
	}
	m.invalidationsTotal.WithLabelValues("ok").Inc()
	m.invalidationPaths.Add(float64(paths))
}

func (m *DeployMetrics) IncUploadThrottled() {
	m.uploadThrottled.Inc()
}
