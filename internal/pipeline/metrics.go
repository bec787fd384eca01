package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/elskow/binder-build/internal/pipeline/types"
)

type MetricsCollector struct {
	buildsTotal      *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	buildDuration    prometheus.Histogram
	buildsActive     prometheus.Gauge
}

// NewMetricsCollector registers the pipeline collectors on reg. A nil reg
// leaves them unregistered.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		buildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_builds_total",
				Help: "Finished builds by terminal status",
			},
			[]string{"status"},
		),
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binder_build_submissions_total",
				Help: "Build submissions by outcome",
			},
			[]string{"result"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "binder_build_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage", "outcome"},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "binder_build_duration_seconds",
				Help:    "Time from submission to a terminal status",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		buildsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "binder_builds_active",
				Help: "Builds currently running in this process",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			mc.buildsTotal,
			mc.submissionsTotal,
			mc.stageDuration,
			mc.buildDuration,
			mc.buildsActive,
		)
	}
	return mc
}

func (mc *MetricsCollector) Submitted(result string) {
	mc.submissionsTotal.WithLabelValues(result).Inc()
}

func (mc *MetricsCollector) StartBuild() {
	mc.buildsActive.Inc()
}

func (mc *MetricsCollector) EndBuild(status types.BuildStatus, elapsed time.Duration) {
	mc.buildsActive.Dec()
	mc.buildsTotal.WithLabelValues(string(status)).Inc()
	mc.buildDuration.Observe(elapsed.Seconds())
}

func (mc *MetricsCollector) ObserveStage(stage types.Phase, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mc.stageDuration.WithLabelValues(string(stage), outcome).Observe(elapsed.Seconds())
}
