// Package controller runs the outer loop that alternates continuous descent
// with discrete topology edits, steering the seam weight so the distortion
// measure settles just under its upper bound.
package controller

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/seamopt/internal/config"
	"github.com/copyleftdev/seamopt/internal/diagnostics"
	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/metrics"
	"github.com/copyleftdev/seamopt/internal/optimization"
	"github.com/copyleftdev/seamopt/internal/optimization/dual"
	"github.com/copyleftdev/seamopt/internal/optimization/oscillation"
	"github.com/copyleftdev/seamopt/internal/optimization/ranking"
)

const (
	component = "controller"

	// finalBatch is the solver budget per call during the exact final solve.
	finalBatch = 1000

	// maxStalledBatches consecutive descent batches without an energy
	// decrease abort the run.
	maxStalledBatches = 3
)

// State of the outer loop.
type State int

const (
	Descending State = iota
	CheckingBound
	Editing
	Converged
	Finished
)

func (s State) String() string {
	switch s {
	case Descending:
		return "descending"
	case CheckingBound:
		return "checking_bound"
	case Editing:
		return "editing"
	case Converged:
		return "converged"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Progress is reported at every stationary point.
type Progress struct {
	Iteration int
	TopoEdits int
	Lambda    float64
	Measure   optimization.EnergyMeasure
}

// Hooks let the caller observe a run. Both are optional and are called on the
// run's goroutine.
type Hooks struct {
	OnStationary func(Progress)
	OnCheckpoint func(optimization.Checkpoint)
}

// Options configure a Controller.
type Options struct {
	Params  config.Optimization
	Logger  *zap.Logger
	Metrics *metrics.RunMetrics
	Timer   *diagnostics.Timer
	Hooks   Hooks
}

// Controller owns all state of one run: the dual scheduler, the oscillation
// detector with its checkpoint, and the iteration counters. It is created per
// run and never reset.
type Controller struct {
	problem  optimization.Problem
	params   config.Optimization
	sched    *dual.Scheduler
	detector *oscillation.Detector
	logger   *zap.Logger
	metrics  *metrics.RunMetrics
	timer    *diagnostics.Timer
	hooks    Hooks
	now      func() time.Time

	state      State
	outcome    optimization.Outcome
	iteration  int
	topoEdits  int
	filterExp  float64
	candidates dual.CandidateSet
	decision   dual.Decision

	start         time.Time
	firstFeasible time.Duration
	feasibleSeen  bool
	ran           bool
}

// New builds a controller for problem. Params are normalized first.
func New(problem optimization.Problem, opts Options) *Controller {
	params := opts.Params
	params.Normalize()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		problem: problem,
		params:  params,
		sched: dual.NewScheduler(params.LambdaInit, dual.Params{
			UpperBound: params.UpperBound,
			Tolerance:  params.ConvTolerance,
		}),
		detector: oscillation.NewDetector(oscillation.Params{
			UpperBound: params.UpperBound,
			Tolerance:  params.ConvTolerance,
		}),
		logger:    logger.With(zap.String("component", component)),
		metrics:   opts.Metrics,
		timer:     opts.Timer,
		hooks:     opts.Hooks,
		now:       time.Now,
		filterExp: params.FilterExponent,
	}
}

// State returns the current loop state.
func (c *Controller) State() State { return c.state }

// Lambda returns the current seam weight.
func (c *Controller) Lambda() float64 { return c.sched.Lambda() }

// Run drives the problem until it converges, oscillates, runs out of merges,
// hits the iteration limit or ctx is cancelled. ctx is only checked between
// outer iterations. A broken collaborator contract aborts the run with an
// invariant error.
func (c *Controller) Run(ctx context.Context) (res *optimization.Result, err error) {
	if c.ran {
		return nil, optimization.NewError("controller already ran").WithComponent(component).WithOperation("run")
	}
	c.ran = true
	c.start = c.now()

	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Recover(rec)
			res = nil
			c.logger.Error("run aborted", zap.Error(err), zap.Int("iteration", c.iteration), zap.Stringer("state", c.state))
		}
	}()

	c.problem.SetDistortionWeight(c.sched.Weight())
	c.logger.Info("run started",
		zap.Float64("lambda", c.sched.Lambda()),
		zap.Float64("b", c.params.UpperBound),
		zap.Bool("bijective", c.params.Bijective))

	for c.state != Finished {
		switch c.state {
		case Descending:
			left, err := c.interrupt(ctx)
			if err != nil {
				return nil, err
			}
			if left {
				break
			}
			if err := c.descend(ctx, c.params.StepBudget); err != nil {
				return nil, err
			}
			c.state = CheckingBound
		case CheckingBound:
			next, err := c.checkBound()
			if err != nil {
				return nil, err
			}
			c.state = next
		case Editing:
			c.edit()
			c.state = Descending
		case Converged:
			if err := c.finish(ctx); err != nil {
				return nil, err
			}
			c.state = Finished
		}
	}

	res = c.result()
	c.logger.Info("run finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("iterations", res.Iterations),
		zap.Int("topo_edits", res.TopoEdits),
		zap.Float64("distortion", res.Final.DistortionEnergy),
		zap.Float64("seam", res.Final.SeamEnergy),
		zap.Duration("elapsed", res.Elapsed))

	if res.Outcome == optimization.OutcomeInterrupted {
		return res, ctx.Err()
	}
	return res, nil
}

// interrupt handles the checks made between outer iterations. It reports
// whether the loop left the Descending state.
func (c *Controller) interrupt(ctx context.Context) (bool, error) {
	if c.iteration == 0 {
		return false, nil
	}
	switch {
	case ctx.Err() != nil:
		c.logger.Warn("run interrupted", zap.Int("iteration", c.iteration), zap.Error(ctx.Err()))
		c.outcome = optimization.OutcomeInterrupted
		c.rollbackToBest()
		c.state = Finished
		return true, c.flush()
	case c.iteration >= c.params.MaxIterations:
		c.logger.Warn("iteration limit reached", zap.Int("iteration", c.iteration))
		c.outcome = optimization.OutcomeMaxIter
		c.rollbackToBest()
		c.state = Converged
		return true, nil
	}
	return false, nil
}

func (c *Controller) descend(ctx context.Context, budget int) error {
	defer c.timer.Start(diagnostics.ActivityDescent)()

	// cancellation is honoured between outer iterations, never inside one
	ctx = context.WithoutCancel(ctx)

	level := c.descentLevel()
	batches, stalled := 0, 0
	for {
		batches++
		stationary, err := c.problem.Descend(ctx, budget)
		if err != nil {
			return optimization.WrapError(err, "continuous descent failed").
				WithComponent(component).WithOperation("descend").AtIteration(c.iteration)
		}
		if stationary {
			break
		}
		next := c.descentLevel()
		if next < level {
			level, stalled = next, 0
			continue
		}
		if stalled++; stalled >= maxStalledBatches {
			return optimization.NewError(fmt.Sprintf("no energy decrease in %d descent batches", stalled)).
				WithComponent(component).WithOperation("descend").AtIteration(c.iteration)
		}
	}
	c.metrics.DescentBatches(batches)
	return nil
}

// descentLevel is the objective the continuous descent lowers.
func (c *Controller) descentLevel() float64 {
	sum := c.problem.Summary()
	return sum.WeightedDistortion + sum.SeamEnergy
}

// measure reads a fresh energy measure under the current weight.
func (c *Controller) measure() (optimization.EnergySummary, optimization.EnergyMeasure) {
	sum := c.problem.Summary()
	return sum, optimization.NewEnergyMeasure(sum, c.sched.Weight())
}

func (c *Controller) checkBound() (State, error) {
	_, m := c.measure()
	feasible := m.Feasible(c.params.UpperBound)
	if feasible {
		c.markFeasible()
	}

	c.logger.Info("stationary",
		zap.Int("iteration", c.iteration),
		zap.Float64("distortion", m.DistortionEnergy),
		zap.Float64("seam", m.SeamEnergy),
		zap.Float64("lambda", c.sched.Lambda()),
		zap.Bool("feasible", feasible))
	c.metrics.Stationary(c.sched.Lambda(), m.BoundMeasure, m.SeamEnergy, m.DistortionEnergy)
	if c.hooks.OnStationary != nil {
		c.hooks.OnStationary(Progress{Iteration: c.iteration, TopoEdits: c.topoEdits, Lambda: c.sched.Lambda(), Measure: m})
	}
	if err := c.flush(); err != nil {
		return Finished, err
	}

	c.candidates = dual.CandidateSet{}
	if !c.update(false) {
		return Converged, nil
	}

	if c.tryBoundary() {
		return Descending, nil
	}
	if !feasible && c.tryInterior(false) {
		return Descending, nil
	}

	if !c.update(true) {
		return Converged, nil
	}
	return Editing, nil
}

// update runs oscillation detection and the dual step at the current
// stationary point. In convergence mode it also checks global convergence and
// resolves the next queried edit. It reports false when the run should stop.
func (c *Controller) update(convergence bool) bool {
	defer c.timer.Start(diagnostics.ActivityEnergyUpdate)()

	sum, m := c.measure()
	eps := c.sched.Epsilon(m.BoundMeasure)

	rep := c.detector.Observe(oscillation.Observation{
		Iteration:       c.iteration,
		Measure:         m,
		Lambda:          c.sched.Lambda(),
		SeamTolerance:   sum.SeamTolerance(),
		WeightTolerance: eps,
	}, c.problem.Snapshot)

	if rep.Improved {
		best := c.detector.Best()
		c.logger.Debug("checkpoint improved", zap.Int("iteration", best.Iteration), zap.Float64("seam", best.SeamEnergy))
		if c.hooks.OnCheckpoint != nil {
			c.hooks.OnCheckpoint(*best)
		}
	}

	if rep.Verdict == oscillation.Oscillated {
		c.logger.Info("oscillation detected",
			zap.Float64("measure", m.BoundMeasure),
			zap.Float64("b", c.params.UpperBound),
			zap.Float64("lambda", c.sched.Lambda()),
			zap.Float64("matched_seam", rep.Match.SeamEnergy),
			zap.Float64("matched_lambda", rep.Match.Entry.Lambda))
		c.metrics.Event(metrics.EventOscillation)
		if rep.Rollback != nil {
			c.rollback(rep.Rollback)
		}
		c.outcome = optimization.OutcomeOscillated
		return false
	}

	if convergence {
		if m.Feasible(c.params.UpperBound) {
			c.markFeasible()
		}
		if ok, rb := c.detector.CheckConvergence(c.iteration, m); ok {
			c.logger.Info("all converged",
				zap.Float64("measure", m.BoundMeasure),
				zap.Float64("b", c.params.UpperBound),
				zap.Float64("lambda", c.sched.Lambda()))
			if rb != nil {
				c.rollback(rb)
			}
			c.outcome = optimization.OutcomeConverged
			return false
		}
	}

	c.sched.Step(m.BoundMeasure)

	if convergence {
		c.decision = c.sched.Resolve(m.BoundMeasure, eps, c.candidates)
		switch c.decision.Action {
		case dual.Exhausted:
			c.logger.Info("no merge operation available", zap.Float64("lambda", c.sched.Lambda()))
			c.problem.SetDistortionWeight(c.sched.Weight())
			if best := c.detector.Best(); best != nil && best.Iteration != c.iteration {
				c.rollback(best)
			}
			c.outcome = optimization.OutcomeExhausted
			return false
		case dual.Relax:
			c.logger.Info("enlarge filtering", zap.Float64("exponent", c.filterExp))
		case dual.Query:
			c.logger.Debug("queried edit",
				zap.Stringer("kind", c.decision.Queried.Kind),
				zap.Ints("path", c.decision.Queried.Path),
				zap.Float64("cost", c.decision.Cost),
				zap.Int("weight_steps", c.decision.Steps))
		}
	}

	c.sched.Clamp(eps)
	c.problem.SetDistortionWeight(c.sched.Weight())
	c.metrics.Lambda(c.sched.Lambda())

	c.logger.Info("updated lambda",
		zap.Float64("measure", m.BoundMeasure),
		zap.Float64("b", c.params.UpperBound),
		zap.Float64("lambda", c.sched.Lambda()),
		zap.Bool("convergence_check", convergence))
	return true
}

func (c *Controller) filter() optimization.FilterParams {
	return optimization.FilterParams{Threshold: c.params.FractureThreshold, Exponent: c.filterExp}
}

// tryBoundary enumerates boundary splits and merges and applies the cheapest
// one if it lowers the combined energy. Ties go to the merge.
func (c *Controller) tryBoundary() bool {
	stop := c.timer.Start(diagnostics.ActivityTopology)
	c.candidates.BoundarySplits = c.problem.Candidates(optimization.BoundarySplit, c.filter())
	c.candidates.Merges = c.problem.Candidates(optimization.Merge, c.filter())
	stop()

	lambda := c.sched.Lambda()
	is, cs := ranking.PickBest(c.candidates.BoundarySplits, lambda)
	im, cm := ranking.PickBest(c.candidates.Merges, lambda)

	switch {
	case im >= 0 && cm <= cs && cm < 0:
		return c.apply(c.candidates.Merges[im], cm)
	case is >= 0 && cs < 0:
		return c.apply(c.candidates.BoundarySplits[is], cs)
	}
	return false
}

// tryInterior enumerates interior splits under the current filter. Unless
// forced, the best one is applied only if it lowers the combined energy.
func (c *Controller) tryInterior(force bool) bool {
	stop := c.timer.Start(diagnostics.ActivityTopology)
	c.candidates.InteriorSplits = c.problem.Candidates(optimization.InteriorSplit, c.filter())
	stop()

	i, cost := ranking.PickBest(c.candidates.InteriorSplits, c.sched.Lambda())
	if i < 0 || (!force && cost >= 0) {
		return false
	}
	return c.apply(c.candidates.InteriorSplits[i], cost)
}

func activity(kind optimization.OperationKind) string {
	switch kind {
	case optimization.BoundarySplit:
		return diagnostics.ActivityBoundarySplit
	case optimization.InteriorSplit:
		return diagnostics.ActivityInteriorSplit
	default:
		return diagnostics.ActivityMerge
	}
}

// apply hands an edit to the problem and starts the next outer iteration when
// it took effect.
func (c *Controller) apply(cand optimization.Candidate, cost float64) bool {
	stop := c.timer.Start(activity(cand.Kind))
	ok := c.problem.Apply(cand)
	stop()

	if !ok {
		c.logger.Warn("edit rejected", zap.Stringer("kind", cand.Kind), zap.Ints("path", cand.Path))
		return false
	}
	c.topoEdits++
	c.iteration++
	c.metrics.Edit(cand.Kind.String())
	c.logger.Info("applied edit",
		zap.Int("iteration", c.iteration),
		zap.Stringer("kind", cand.Kind),
		zap.Ints("path", cand.Path),
		zap.Float64("cost", cost))
	return true
}

// edit carries out the decision resolved in convergence mode.
func (c *Controller) edit() {
	d := c.decision
	c.decision = dual.Decision{}

	if d.Action == dual.Relax {
		c.relax()
		return
	}
	if !c.apply(d.Queried, d.Cost) {
		// nothing changed, but the outer iteration is spent
		c.iteration++
	}
}

// relax widens the interior split filter until a split applies. The exponent
// grows by ln2/ln(total) per round, doubling the kept candidates.
func (c *Controller) relax() {
	total := c.problem.InteriorTotal()
	step := 1.0
	if total > 1 {
		step = math.Ln2 / math.Log(float64(total))
	}

	for {
		c.filterExp = math.Min(1, c.filterExp+step)
		c.metrics.Event(metrics.EventRelaxation)
		c.logger.Info("relaxed interior filter", zap.Float64("exponent", c.filterExp), zap.Int("total", total))
		if c.tryInterior(true) {
			return
		}
		if c.filterExp >= 1 {
			panic(errors.Invariant(component, "no interior split applies with the filter fully relaxed (iteration %d, %d candidates)",
				c.iteration, total))
		}
	}
}

func (c *Controller) rollback(cp *optimization.Checkpoint) {
	c.problem.Restore(cp.Snapshot)
	c.metrics.Event(metrics.EventRollback)
	c.logger.Info("rolled back to best feasible", zap.Int("checkpoint_iteration", cp.Iteration), zap.Int("iteration", c.iteration))
}

func (c *Controller) rollbackToBest() {
	if best := c.detector.Best(); best != nil {
		c.rollback(best)
	}
}

func (c *Controller) markFeasible() {
	if c.feasibleSeen {
		return
	}
	c.feasibleSeen = true
	c.firstFeasible = c.now().Sub(c.start)
	c.logger.Info("first feasible", zap.Int("iteration", c.iteration), zap.Duration("after", c.firstFeasible))
}

// finish performs the exact final solve unless bijective mode is on, then
// flushes the series.
func (c *Controller) finish(ctx context.Context) error {
	if c.outcome == "" {
		c.outcome = optimization.OutcomeConverged
	}
	if !c.params.Bijective {
		c.problem.Tighten()
		if err := c.descend(ctx, finalBatch); err != nil {
			return err
		}
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.logger.Info("optimization converged", zap.Duration("elapsed", c.now().Sub(c.start)))
	return nil
}

func (c *Controller) flush() error {
	f, ok := c.problem.(optimization.SeriesFlusher)
	if !ok {
		return nil
	}
	if err := f.FlushSeries(); err != nil {
		c.logger.Warn("flushing series failed", zap.Error(err))
		return optimization.WrapError(err, "flushing series").WithComponent(component).AtIteration(c.iteration)
	}
	return nil
}

func (c *Controller) result() *optimization.Result {
	_, m := c.measure()
	return &optimization.Result{
		Outcome:       c.outcome,
		Iterations:    c.iteration,
		TopoEdits:     c.topoEdits,
		Lambda:        c.sched.Lambda(),
		Final:         m,
		Best:          c.detector.Best(),
		Elapsed:       c.now().Sub(c.start),
		FirstFeasible: c.firstFeasible,
	}
}
