package oscillation

import (
	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/optimization"
)

const component = "oscillation"

// Params are fixed for a run.
type Params struct {
	UpperBound float64
	Tolerance  float64
}

// Observation is one stationary point presented to the detector.
type Observation struct {
	Iteration int
	Measure   optimization.EnergyMeasure
	Lambda    float64
	// SeamTolerance matches seam levels and distortion values.
	SeamTolerance float64
	// WeightTolerance matches lambda values.
	WeightTolerance float64
}

// Verdict classifies an observation.
type Verdict int

const (
	// Continue: a new configuration, recorded.
	Continue Verdict = iota
	// Replay: same iteration as the previous observation (a rollback or a
	// second query within one iteration); nothing recorded.
	Replay
	// Oscillated: a recorded configuration was revisited and a feasible
	// checkpoint exists. The run should stop at the checkpoint.
	Oscillated
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Replay:
		return "replay"
	case Oscillated:
		return "oscillated"
	default:
		return "unknown"
	}
}

// Report is the detector's answer for one observation.
type Report struct {
	Verdict Verdict
	// Rollback is set when the checkpoint to return to is not the current
	// iteration.
	Rollback *optimization.Checkpoint
	// Improved is set when this observation became the new checkpoint.
	Improved bool
	// Match is the revisited configuration when Verdict is Oscillated.
	Match *Match
}

// Detector owns the configuration history and the best feasible checkpoint.
// State is reset only by constructing a new Detector.
type Detector struct {
	params        Params
	history       *History
	best          *optimization.Checkpoint
	lastIteration int
}

// NewDetector returns a detector with an empty history and no checkpoint.
func NewDetector(params Params) *Detector {
	return &Detector{
		params:        params,
		history:       NewHistory(),
		lastIteration: -1,
	}
}

// History exposes the recorded configurations.
func (d *Detector) History() *History { return d.history }

// Best returns the best feasible checkpoint, or nil before the first feasible
// stationary point.
func (d *Detector) Best() *optimization.Checkpoint { return d.best }

// Observe records a stationary point and reports whether it revisits a
// previous configuration. snapshot is called only when the observation
// becomes the new checkpoint.
func (d *Detector) Observe(obs Observation, snapshot func() optimization.Snapshot) Report {
	if obs.Iteration == d.lastIteration {
		return Report{Verdict: Replay}
	}
	d.lastIteration = obs.Iteration

	m := obs.Measure
	match, oscillate := d.history.Find(m.SeamEnergy, obs.Lambda, m.DistortionEnergy, obs.SeamTolerance, obs.WeightTolerance)

	var rep Report
	if m.Feasible(d.params.UpperBound) && (d.best == nil || m.SeamEnergy < d.best.SeamEnergy) {
		d.best = &optimization.Checkpoint{
			Iteration:  obs.Iteration,
			SeamEnergy: m.SeamEnergy,
			Snapshot:   snapshot(),
		}
		rep.Improved = true
	}

	if oscillate && d.best != nil {
		rep.Verdict = Oscillated
		rep.Match = &match
		if d.best.Iteration != obs.Iteration {
			rep.Rollback = d.best
		}
		return rep
	}

	d.history.Record(m.SeamEnergy, obs.Lambda, m.DistortionEnergy)
	rep.Verdict = Continue
	return rep
}

// CheckConvergence reports whether a feasible measure is pinned within the
// tolerance band below the bound. On convergence the returned checkpoint is
// non-nil when the run must roll back to it.
func (d *Detector) CheckConvergence(iteration int, m optimization.EnergyMeasure) (bool, *optimization.Checkpoint) {
	if !m.Feasible(d.params.UpperBound) || m.BoundMeasure < d.params.UpperBound-d.params.Tolerance {
		return false, nil
	}
	if d.best == nil {
		panic(errors.Invariant(component, "converged at iteration %d without a feasible checkpoint", iteration))
	}
	if d.best.Iteration != iteration {
		return true, d.best
	}
	return true, nil
}
