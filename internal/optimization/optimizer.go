package optimization

import (
	"context"
	"time"
)

// Solver advances the continuous descent for the current topology.
type Solver interface {
	// Descend runs at most stepBudget iterations and reports whether the
	// current topology reached local stationarity.
	Descend(ctx context.Context, stepBudget int) (bool, error)

	// Tighten switches the solver to its exact tolerance for the final solve.
	Tighten()
}

// EnergySource reports energies of the current mesh state.
type EnergySource interface {
	Summary() EnergySummary

	// SetDistortionWeight pushes the weight w = 1 - lambda and refreshes the
	// collaborator's cached energy data.
	SetDistortionWeight(w float64)
}

// Topology enumerates and applies discrete edits.
type Topology interface {
	// Candidates may return an empty or all-invalid list.
	Candidates(kind OperationKind, filter FilterParams) []Candidate

	// InteriorTotal is the number of interior split candidates before filtering.
	InteriorTotal() int

	// Apply returns false when the edit is geometrically infeasible; nothing
	// changed in that case.
	Apply(c Candidate) bool
}

// Snapshot is an opaque copy of mesh state.
type Snapshot interface{}

// Checkpointer captures and restores mesh state.
type Checkpointer interface {
	Snapshot() Snapshot
	Restore(s Snapshot)
}

// Problem is the full collaborator contract the controller drives.
type Problem interface {
	Solver
	EnergySource
	Topology
	Checkpointer
}

// SeriesFlusher is implemented by problems that keep energy and gradient
// time series.
type SeriesFlusher interface {
	FlushSeries() error
}

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeConverged   Outcome = "converged"
	OutcomeOscillated  Outcome = "oscillated"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeMaxIter     Outcome = "iteration_limit"
	OutcomeInterrupted Outcome = "interrupted"
)

// Checkpoint is the best feasible configuration seen so far.
type Checkpoint struct {
	Iteration  int
	SeamEnergy float64
	Snapshot   Snapshot
}

// Result summarizes a finished run.
type Result struct {
	Outcome    Outcome
	Iterations int
	TopoEdits  int
	Lambda     float64
	Final      EnergyMeasure
	Best       *Checkpoint
	Elapsed    time.Duration
	// FirstFeasible is the time from start to the first stationary point
	// within the bound; zero when none was reached.
	FirstFeasible time.Duration
}
