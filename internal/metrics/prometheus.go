package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realitycheck_analyses_total",
		Help: "Total number of video analyses, by outcome",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realitycheck_stage_duration_seconds",
		Help:    "Duration of each pipeline stage",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realitycheck_frames_sampled_total",
		Help: "Total number of frames sampled across all analyses",
	})

	UnitsScoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realitycheck_units_scored_total",
		Help: "Total number of scored units, by kind",
	}, []string{"kind"})

	UnitsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realitycheck_units_skipped_total",
		Help: "Frames or faces dropped after a detection or scoring failure",
	}, []string{"stage"})

	OracleRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realitycheck_oracle_restarts_total",
		Help: "Total number of oracle worker restarts",
	})

	ActiveAnalyses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realitycheck_active_analyses",
		Help: "Number of analyses currently in flight",
	})
)
