// Package dual owns the trade-off weight between distortion and seam energy
// and resolves which discrete edit the next outer iteration queries.
//
// The scheduler stores the distortion weight w. The seam weight lambda used for
// ranking candidates is always 1 - w.
package dual

import (
	"math"

	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/optimization"
	"github.com/copyleftdev/seamopt/internal/optimization/ranking"
)

const (
	component = "dual"

	// MaxEpsilon caps the run-dependent clamping margin.
	MaxEpsilon = 1e-3
	// MinEpsilon keeps the weight strictly inside (0,1) when the dual step
	// stalls and the measured margin collapses to zero.
	MinEpsilon = 1e-10

	// settleSlack and settleFactor absorb rounding in the weight walk and at
	// the last cost crossing.
	settleSlack  = 2
	settleFactor = 1.01
)

// NextWeight performs one dual step on the distortion weight w:
//
//	raw = max(0, (measure - (upperBound - tolerance/2)) + w/(1-w))
//	next = raw / (1 + raw)
//
// An infeasible measure grows raw and pushes w toward 1 (more cutting); a
// measure comfortably under the bound shrinks raw and lets w drift down.
func NextWeight(boundMeasure, w, upperBound, tolerance float64) float64 {
	raw := math.Max(0, (boundMeasure-(upperBound-tolerance/2.0))+w/(1.0-w))
	return raw / (1.0 + raw)
}

// Params are fixed for a run.
type Params struct {
	UpperBound float64
	// Tolerance is the convergence band below the upper bound.
	Tolerance float64
}

// Action is what the scheduler asks the outer loop to do next.
type Action int

const (
	// Query applies Decision.Queried.
	Query Action = iota
	// Relax widens the interior split filter and retries.
	Relax
	// Exhausted ends the run: no merge can improve a feasible configuration.
	Exhausted
)

func (a Action) String() string {
	switch a {
	case Query:
		return "query"
	case Relax:
		return "relax"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// CandidateSet holds the candidate lists of the current iteration.
type CandidateSet struct {
	BoundarySplits []optimization.Candidate
	InteriorSplits []optimization.Candidate
	Merges         []optimization.Candidate
}

// Decision is the outcome of Resolve.
type Decision struct {
	Action  Action
	Queried optimization.Candidate
	// Cost is the combined energy change of Queried at the resolved weight.
	Cost float64
	// Steps counts the dual steps taken while resolving.
	Steps int
}

// Scheduler is the dual controller. It is owned by a single run.
type Scheduler struct {
	params Params
	w      float64
}

// NewScheduler starts from the initial seam weight lambdaInit.
func NewScheduler(lambdaInit float64, params Params) *Scheduler {
	s := &Scheduler{params: params, w: 1.0 - lambdaInit}
	s.Clamp(MinEpsilon)
	return s
}

// Weight returns the distortion weight w.
func (s *Scheduler) Weight() float64 { return s.w }

// Lambda returns the seam weight 1 - w.
func (s *Scheduler) Lambda() float64 { return 1.0 - s.w }

// Params returns the run parameters.
func (s *Scheduler) Params() Params { return s.params }

// Next computes the dual step for measure without applying it.
func (s *Scheduler) Next(measure float64) float64 {
	return NextWeight(measure, s.w, s.params.UpperBound, s.params.Tolerance)
}

// Step applies one dual step and returns the new weight.
func (s *Scheduler) Step(measure float64) float64 {
	s.w = s.Next(measure)
	return s.w
}

// Epsilon is the clamping margin for the current stationary point:
// min(1e-3, |Next(measure) - w|), never below MinEpsilon.
func (s *Scheduler) Epsilon(measure float64) float64 {
	eps := math.Min(MaxEpsilon, math.Abs(s.Next(measure)-s.w))
	return math.Max(eps, MinEpsilon)
}

// Clamp keeps w inside [eps, 1-eps].
func (s *Scheduler) Clamp(eps float64) {
	if s.w > 1.0-eps {
		s.w = 1.0 - eps
	}
	if s.w < eps {
		s.w = eps
	}
}

// Pin sets w to 1 - eps.
func (s *Scheduler) Pin(eps float64) {
	s.w = 1.0 - eps
}

// stepBound is how many dual steps at measure carry lambda past every point
// where the cost of a candidate in cands changes sign or two costs cross.
// Costs are linear in lambda, so beyond that point any condition on them is
// constant. w/(1-w) moves by the same margin on every step until it hits zero,
// which turns the distance into a step count.
func (s *Scheduler) stepBound(measure float64, cands []optimization.Candidate) float64 {
	margin := measure - (s.params.UpperBound - s.params.Tolerance/2.0)
	if margin == 0 {
		return 0
	}
	lambda := s.Lambda()
	raw := s.w / (1.0 - s.w)

	// farthest breakpoint in the direction lambda moves
	target := lambda
	consider := func(bp float64) {
		if !(bp > 0 && bp < 1) {
			return
		}
		if (margin > 0 && bp < target) || (margin < 0 && bp > target) {
			target = bp
		}
	}
	valid := make([]optimization.EnergyDelta, 0, len(cands))
	for _, c := range cands {
		if c.Delta.Valid && !math.IsNaN(c.Delta.Distortion) && !math.IsNaN(c.Delta.Seam) &&
			!math.IsInf(c.Delta.Distortion, 0) && !math.IsInf(c.Delta.Seam, 0) {
			valid = append(valid, c.Delta)
		}
	}
	for i, a := range valid {
		if a.Distortion != a.Seam {
			consider(a.Distortion / (a.Distortion - a.Seam))
		}
		for _, b := range valid[i+1:] {
			dd, ds := a.Distortion-b.Distortion, a.Seam-b.Seam
			if dd != ds {
				consider(dd / (dd - ds))
			}
		}
	}

	if margin < 0 {
		// raw stops at zero (w = 0), where a further step changes nothing
		rawTarget := 0.0
		if target > lambda {
			rawTarget = (1.0 - target) / target
		}
		return math.Ceil(settleFactor*(raw-rawTarget)/-margin) + settleSlack
	}
	if target >= lambda {
		return settleSlack
	}
	return math.Ceil(settleFactor*((1.0-target)/target-raw)/margin) + settleSlack
}

// stepWhile applies dual steps while cond holds and returns how many it took.
// cond must depend only on lambda and the costs of cands. A step that leaves w
// unchanged, or a walk past stepBound, can never settle and is an invariant
// violation.
func (s *Scheduler) stepWhile(measure float64, what string, cands []optimization.Candidate, cond func() bool) int {
	bound := s.stepBound(measure, cands)
	steps := 0
	for cond() {
		if float64(steps) > bound {
			panic(errors.Invariant(component, "%s cannot settle: lambda passed every cost crossing after %d weight steps (w=%v, measure=%v)",
				what, steps, s.w, measure))
		}
		prev := s.w
		s.Step(measure)
		steps++
		if s.w == prev || math.IsNaN(s.w) {
			panic(errors.Invariant(component, "%s cannot settle: weight stalled at %v after %d steps (measure=%v)",
				what, prev, steps, measure))
		}
	}
	return steps
}

// Resolve runs the critical-weight scheme at a stationary point where no
// boundary edit applied. It moves w with the same measure until the operation
// class matches feasibility and the chosen class predicts a non-positive
// combined cost, then commits to that class's best candidate.
func (s *Scheduler) Resolve(measure, eps float64, set CandidateSet) Decision {
	if measure > s.params.UpperBound {
		return s.resolveSplit(measure, set)
	}
	return s.resolveMerge(measure, eps, set)
}

// resolveSplit handles the infeasible case: the next edit must cut.
func (s *Scheduler) resolveSplit(measure float64, set CandidateSet) Decision {
	var d Decision

	// The class can only flip when both sides hold a valid candidate.
	if ranking.HasUsableCandidate(set.Merges) && ranking.HasUsableCandidate(set.BoundarySplits) &&
		ranking.PickOperationClass(set.BoundarySplits, set.Merges, s.Lambda()) == ranking.Merge {
		// do-while: the first step is unconditional
		s.Step(measure)
		d.Steps = 1 + s.stepWhile(measure, "split switch", concat(set.BoundarySplits, set.Merges), func() bool {
			return ranking.PickOperationClass(set.BoundarySplits, set.Merges, s.Lambda()) == ranking.Merge
		})
	}

	if !ranking.HasImprovingCandidate(set.InteriorSplits) && !ranking.HasImprovingCandidate(set.BoundarySplits) {
		d.Action = Relax
		return d
	}

	if len(set.BoundarySplits) == 0 && len(set.InteriorSplits) == 0 {
		panic(errors.Invariant(component, "split required but both split lists are empty"))
	}

	var ib, ii int
	var cb, ci float64
	d.Steps += s.stepWhile(measure, "split cost", concat(set.BoundarySplits, set.InteriorSplits), func() bool {
		ib, cb = ranking.PickBest(set.BoundarySplits, s.Lambda())
		ii, ci = ranking.PickBest(set.InteriorSplits, s.Lambda())
		return cb > 0 && ci > 0
	})

	d.Action = Query
	if cb <= 0 {
		d.Queried, d.Cost = set.BoundarySplits[ib], cb
	} else {
		d.Queried, d.Cost = set.InteriorSplits[ii], ci
	}
	return d
}

// resolveMerge handles the feasible case: the next edit must merge.
func (s *Scheduler) resolveMerge(measure, eps float64, set CandidateSet) Decision {
	var d Decision

	if !ranking.HasUsableCandidate(set.Merges) {
		s.Pin(eps)
		d.Action = Exhausted
		return d
	}

	if ranking.PickOperationClass(set.BoundarySplits, set.Merges, s.Lambda()) == ranking.Split {
		s.Step(measure)
		d.Steps = 1 + s.stepWhile(measure, "merge switch", concat(set.BoundarySplits, set.Merges), func() bool {
			return ranking.PickOperationClass(set.BoundarySplits, set.Merges, s.Lambda()) == ranking.Split
		})
	}

	im, cm := ranking.PickBest(set.Merges, s.Lambda())
	d.Steps += s.stepWhile(measure, "merge cost", set.Merges, func() bool {
		im, cm = ranking.PickBest(set.Merges, s.Lambda())
		return cm > 0
	})

	d.Action = Query
	d.Queried, d.Cost = set.Merges[im], cm
	return d
}

func concat(lists ...[]optimization.Candidate) []optimization.Candidate {
	var out []optimization.Candidate
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
