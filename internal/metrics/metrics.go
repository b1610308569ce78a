package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcome label values.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeInvalid   = "invalid"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
)

type Registry struct {
	reg *prometheus.Registry

	// aggregation
	Events            *prometheus.CounterVec
	BucketWrites      *prometheus.CounterVec
	Conflicts         prometheus.Counter
	ApplyLatencySec   prometheus.Histogram
	ChangelogAppended prometheus.Counter
	ChangelogFailed   prometheus.Counter

	// ingest
	DeadLettered prometheus.Counter
	Requeued     prometheus.Counter

	// http
	HTTPRequests    *prometheus.CounterVec
	HTTPDurationSec *prometheus.HistogramVec

	// recovery
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	ReplayBytes        prometheus.Counter
	Lag                prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rollup_events_total"}, []string{"outcome"})
	writes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rollup_bucket_writes_total"}, []string{"granularity", "op"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_version_conflicts_total"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollup_apply_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	changelogAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_changelog_appended_total"})
	changelogFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_changelog_failed_total"})

	dlq := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_ingest_dead_lettered_total"})
	requeued := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_ingest_requeued_total"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rollup_http_requests_total"}, []string{"method", "path", "status"})
	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollup_http_request_duration_seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "path", "status"})

	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_replay_applied_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "rollup_recovery_ttr_seconds"})
	replayBytes := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollup_replay_bytes_total"})
	lag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "rollup_changelog_lag"})
	lastAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "rollup_last_manifest_age_seconds"})

	r.MustRegister(events, writes, conflicts, latency, changelogAppended, changelogFailed,
		dlq, requeued, httpRequests, httpDuration, applied, skipped, ttr, replayBytes, lag, lastAge)
	return &Registry{
		reg:                r,
		Events:             events,
		BucketWrites:       writes,
		Conflicts:          conflicts,
		ApplyLatencySec:    latency,
		ChangelogAppended:  changelogAppended,
		ChangelogFailed:    changelogFailed,
		DeadLettered:       dlq,
		Requeued:           requeued,
		HTTPRequests:       httpRequests,
		HTTPDurationSec:    httpDuration,
		Applied:            applied,
		Skipped:            skipped,
		TTRSec:             ttr,
		ReplayBytes:        replayBytes,
		Lag:                lag,
		LastManifestAgeSec: lastAge,
	}
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
