package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report workflow executor activity.
type Metrics struct {
	phaseDuration   *prometheus.HistogramVec
	phaseFailures   *prometheus.CounterVec
	phaseRetries    *prometheus.CounterVec
	workflowsActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the executor is instantiated
// multiple times (unit tests, embedded runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller supplies a fresh registry when unique metric names are required
// (for example in tests). A registration error panics, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	phaseDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chimera",
			Subsystem: "workflow",
			Name:      "phase_duration_seconds",
			Help:      "Duration spent executing each workflow phase.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow", "phase", "outcome"},
	)
	phaseFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "workflow",
			Name:      "phase_failures_total",
			Help:      "Total number of phase executions that failed.",
		},
		[]string{"workflow", "phase", "reason"},
	)
	phaseRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "workflow",
			Name:      "phase_retries_total",
			Help:      "Number of on_failure loopbacks charged against the retry budget.",
		},
		[]string{"workflow", "phase"},
	)
	workflowsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chimera",
			Subsystem: "workflow",
			Name:      "active",
			Help:      "Number of workflows currently being driven by the executor.",
		},
	)

	collectors := []prometheus.Collector{phaseDuration, phaseFailures, phaseRetries, workflowsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					phaseDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case phaseFailures:
						phaseFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case phaseRetries:
						phaseRetries = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					workflowsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		phaseDuration:   phaseDuration,
		phaseFailures:   phaseFailures,
		phaseRetries:    phaseRetries,
		workflowsActive: workflowsActive,
	}
}

// ObservePhaseDuration records the time spent in a phase with its outcome label.
func (m *Metrics) ObservePhaseDuration(workflow, phase, outcome string, duration time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(workflow, phase, outcome).Observe(duration.Seconds())
}

// IncPhaseFailure increments the failure counter for the given phase and reason.
func (m *Metrics) IncPhaseFailure(workflow, phase, reason string) {
	if m == nil || m.phaseFailures == nil {
		return
	}
	m.phaseFailures.WithLabelValues(workflow, phase, reason).Inc()
}

// IncPhaseRetry increments the retry counter for the given phase.
func (m *Metrics) IncPhaseRetry(workflow, phase string) {
	if m == nil || m.phaseRetries == nil {
		return
	}
	m.phaseRetries.WithLabelValues(workflow, phase).Inc()
}

// IncActiveWorkflows marks a workflow as running.
func (m *Metrics) IncActiveWorkflows() {
	if m == nil || m.workflowsActive == nil {
		return
	}
	m.workflowsActive.Inc()
}

// DecActiveWorkflows marks a workflow as finished.
func (m *Metrics) DecActiveWorkflows() {
	if m == nil || m.workflowsActive == nil {
		return
	}
	m.workflowsActive.Dec()
}
