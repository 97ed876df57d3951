package metrics

import (
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "delta_backup"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg           *prom.Registry
	verdicts      *prom.CounterVec
	fetchResults  *prom.CounterVec
	retries       *prom.CounterVec
	credRefreshes *prom.CounterVec
	fetchDuration *prom.HistogramVec
	bytes         *prom.CounterVec
	runDuration   *prom.HistogramVec
	runs          *prom.CounterVec
	lastRun       *prom.GaugeVec
	workers       *prom.GaugeVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg
// (a fresh registry when reg is nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.verdicts = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "items_classified_total",
		Help:      "Items classified by verdict",
	}, []string{"scope", "verdict"})
	pr.fetchResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_results_total",
		Help:      "Content fetch outcomes",
	}, []string{"scope", "result"})
	pr.retries = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Retried remote operations by error kind",
	}, []string{"scope", "op", "kind"})
	pr.credRefreshes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refreshes_total",
		Help:      "Credential refreshes triggered by auth failures",
	}, []string{"scope"})
	pr.fetchDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Duration of individual content fetches",
		Buckets:   prom.DefBuckets,
	}, []string{"scope"})
	pr.bytes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_total",
		Help:      "Bytes transferred and bytes saved by change detection",
	}, []string{"scope", "kind"})
	pr.runDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Total backup run duration",
		Buckets:   prom.ExponentialBuckets(1, 4, 8),
	}, []string{"scope", "mode"})
	pr.runs = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Backup runs by final status",
	}, []string{"scope", "mode", "status"})
	pr.lastRun = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run for a scope finished",
	}, []string{"scope", "status"})
	pr.workers = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "fetch_workers",
		Help:      "Configured fetch concurrency",
	}, []string{"scope"})
	reg.MustRegister(pr.verdicts, pr.fetchResults, pr.retries, pr.credRefreshes, pr.fetchDuration,
		pr.bytes, pr.runDuration, pr.runs, pr.lastRun, pr.workers)
	return pr
}

// Registry returns the registry the metrics are registered on.
func (p *PrometheusRecorder) Registry() *prom.Registry { return p.reg }

// WriteTextfile writes the current metrics in the text exposition format, for
// node_exporter's textfile collector.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prom.WriteToTextfile(path, p.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func (p *PrometheusRecorder) IncVerdict(scope, verdict string) {
	if p == nil || p.verdicts == nil {
		return
	}
	p.verdicts.WithLabelValues(scope, verdict).Inc()
}

func (p *PrometheusRecorder) IncFetchResult(scope string, result FetchResult) {
	if p == nil || p.fetchResults == nil {
		return
	}
	p.fetchResults.WithLabelValues(scope, string(result)).Inc()
}

func (p *PrometheusRecorder) IncRetry(scope, op, kind string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(scope, op, kind).Inc()
}

func (p *PrometheusRecorder) IncCredentialRefresh(scope string) {
	if p == nil || p.credRefreshes == nil {
		return
	}
	p.credRefreshes.WithLabelValues(scope).Inc()
}

func (p *PrometheusRecorder) ObserveFetchDuration(scope string, d time.Duration) {
	if p == nil || p.fetchDuration == nil {
		return
	}
	p.fetchDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddBytes(scope string, transferred, saved int64) {
	if p == nil || p.bytes == nil {
		return
	}
	p.bytes.WithLabelValues(scope, "transferred").Add(float64(transferred))
	p.bytes.WithLabelValues(scope, "saved").Add(float64(saved))
}

func (p *PrometheusRecorder) ObserveRun(scope, mode, status string, d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.WithLabelValues(scope, mode).Observe(d.Seconds())
	p.runs.WithLabelValues(scope, mode, status).Inc()
	p.lastRun.WithLabelValues(scope, status).SetToCurrentTime()
}

func (p *PrometheusRecorder) SetWorkers(scope string, n int) {
	if p == nil || p.workers == nil {
		return
	}
	p.workers.WithLabelValues(scope).Set(float64(n))
}
