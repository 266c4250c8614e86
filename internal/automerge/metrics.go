package automerge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

const metricNamespace = "automerger"

const (
	cyclesMetricName        = "cycles_total"
	candidatesMetricName    = "selected_candidates_total"
	cycleDurationMetricName = "cycle_duration_seconds"
	lastSuccessMetricName   = "last_successful_cycle_timestamp_seconds"
)

const (
	outcomeLabel       = "outcome"
	candidateKindLabel = "kind"
)

const (
	candidateKindPrimaryVal  = "primary"
	candidateKindFallbackVal = "fallback"
)

type metricCollector struct {
	logger        *zap.Logger
	cycles        *prometheus.CounterVec
	candidates    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastSuccess   prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		cycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      cyclesMetricName,
				Help:      "count of processing cycles by their outcome",
			},
			[]string{outcomeLabel},
		),
		candidates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      candidatesMetricName,
				Help:      "count of selected pull requests by candidate kind",
			},
			[]string{candidateKindLabel},
		),
		cycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      cycleDurationMetricName,
				Help:      "duration of processing cycles",
				Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		lastSuccess: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastSuccessMetricName,
				Help:      "unix timestamp of the last cycle that finished without an error",
			},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) CycleFinished(outcome Kind, duration time.Duration) {
	if m == nil {
		return
	}

	cnt, err := m.cycles.GetMetricWith(prometheus.Labels{outcomeLabel: outcome.String()})
	if err != nil {
		m.logGetMetricFailed(cyclesMetricName, err)
		return
	}

	cnt.Inc()
	m.cycleDuration.Observe(duration.Seconds())

	if outcome == KindSuccess {
		m.lastSuccess.SetToCurrentTime()
	}
}

func (m *metricCollector) CandidateSelected(cand *Candidate) {
	if m == nil {
		return
	}

	kind := candidateKindFallbackVal
	if cand.Merge {
		kind = candidateKindPrimaryVal
	}

	cnt, err := m.candidates.GetMetricWith(prometheus.Labels{candidateKindLabel: kind})
	if err != nil {
		m.logGetMetricFailed(candidatesMetricName, err)
		return
	}

	cnt.Inc()
}
