// Package metrics exposes controller progress as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seamopt"

// Recorder owns the metric vectors shared by all runs of a process. Each run
// gets its own label set through Run.
type Recorder struct {
	lambda       *prometheus.GaugeVec
	boundMeasure *prometheus.GaugeVec
	seamEnergy   *prometheus.GaugeVec
	distortion   *prometheus.GaugeVec
	edits        *prometheus.CounterVec
	events       *prometheus.CounterVec
	batches      prometheus.Histogram
}

// NewRecorder creates the metric vectors and registers them with reg. A nil
// reg leaves them unregistered, which is what tests want.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		lambda: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lambda",
			Help:      "Current seam weight of a run.",
		}, []string{"run"}),
		boundMeasure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_measure",
			Help:      "Distortion measure compared against the upper bound at the last stationary point.",
		}, []string{"run"}),
		seamEnergy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seam_energy",
			Help:      "Seam energy at the last stationary point.",
		}, []string{"run"}),
		distortion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "distortion_energy",
			Help:      "Distortion energy at the last stationary point.",
		}, []string{"run"}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_edits_total",
			Help:      "Applied topology edits by kind.",
		}, []string{"run", "kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_events_total",
			Help:      "Rollbacks, oscillations and filter relaxations.",
		}, []string{"run", "event"}),
		batches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "descent_batches",
			Help:      "Solver batches needed to reach stationarity for one topology.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(r.lambda, r.boundMeasure, r.seamEnergy, r.distortion, r.edits, r.events, r.batches)
	}
	return r
}

// Run returns the per-run view of the recorder.
func (r *Recorder) Run(id string) *RunMetrics {
	if r == nil {
		return nil
	}
	return &RunMetrics{r: r, id: id}
}

// Forget drops the label sets of a finished run.
func (r *Recorder) Forget(id string) {
	if r == nil {
		return
	}
	r.lambda.DeleteLabelValues(id)
	r.boundMeasure.DeleteLabelValues(id)
	r.seamEnergy.DeleteLabelValues(id)
	r.distortion.DeleteLabelValues(id)
	r.edits.DeletePartialMatch(prometheus.Labels{"run": id})
	r.events.DeletePartialMatch(prometheus.Labels{"run": id})
}

// Controller events.
const (
	EventRollback    = "rollback"
	EventOscillation = "oscillation"
	EventRelaxation  = "relaxation"
)

// RunMetrics records one run. All methods are safe on a nil receiver.
type RunMetrics struct {
	r  *Recorder
	id string
}

// Stationary records the state at a stationary point.
func (m *RunMetrics) Stationary(lambda, boundMeasure, seamEnergy, distortion float64) {
	if m == nil {
		return
	}
	m.r.lambda.WithLabelValues(m.id).Set(lambda)
	m.r.boundMeasure.WithLabelValues(m.id).Set(boundMeasure)
	m.r.seamEnergy.WithLabelValues(m.id).Set(seamEnergy)
	m.r.distortion.WithLabelValues(m.id).Set(distortion)
}

// Lambda records the seam weight after an update.
func (m *RunMetrics) Lambda(lambda float64) {
	if m == nil {
		return
	}
	m.r.lambda.WithLabelValues(m.id).Set(lambda)
}

// Edit counts an applied edit.
func (m *RunMetrics) Edit(kind string) {
	if m == nil {
		return
	}
	m.r.edits.WithLabelValues(m.id, kind).Inc()
}

// Event counts a controller event.
func (m *RunMetrics) Event(event string) {
	if m == nil {
		return
	}
	m.r.events.WithLabelValues(m.id, event).Inc()
}

// DescentBatches observes how many solver batches one topology needed.
func (m *RunMetrics) DescentBatches(n int) {
	if m == nil {
		return
	}
	m.r.batches.Observe(float64(n))
}
