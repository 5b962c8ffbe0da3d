package metricsx

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics exposes counters and histograms for the appointment
// workflow. A nil *WorkflowMetrics is valid and records nothing.
type WorkflowMetrics struct {
	runsTotal          *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageFailures      *prometheus.CounterVec
	bookingConfirms    *prometheus.CounterVec
	retrievalCandidate prometheus.Histogram
}

func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "care",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Entry point invocations by outcome",
		}, []string{"entry", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "care",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each workflow stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "care",
			Subsystem: "workflow",
			Name:      "stage_failures_total",
			Help:      "Stage failures by error kind",
		}, []string{"stage", "kind"}),
		bookingConfirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "care",
			Subsystem: "booking",
			Name:      "confirmations_total",
			Help:      "Booking confirmation attempts by result",
		}, []string{"result"}),
		retrievalCandidate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "care",
			Subsystem: "retrieval",
			Name:      "candidates",
			Help:      "Number of candidate slots returned per retrieval",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runsTotal, m.stageDuration, m.stageFailures, m.bookingConfirms, m.retrievalCandidate)
	return m
}

func (m *WorkflowMetrics) ObserveRun(entry, outcome string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(entry, outcome).Inc()
}

func (m *WorkflowMetrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *WorkflowMetrics) ObserveStageFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, kind).Inc()
}

func (m *WorkflowMetrics) ObserveConfirmation(result string) {
	if m == nil {
		return
	}
	m.bookingConfirms.WithLabelValues(result).Inc()
}

func (m *WorkflowMetrics) ObserveCandidates(n int) {
	if m == nil {
		return
	}
	m.retrievalCandidate.Observe(float64(n))
}
