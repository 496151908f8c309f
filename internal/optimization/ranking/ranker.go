// Package ranking scores candidate edits under a seam weight lambda.
package ranking

import (
	"math"

	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/optimization"
)

// Class is the operation class chosen between splitting and merging.
type Class int

const (
	Split Class = iota
	Merge
)

func (c Class) String() string {
	if c == Split {
		return "split"
	}
	return "merge"
}

const component = "ranking"

// Cost is the combined energy change d*(1-lambda) + s*lambda.
func Cost(d optimization.EnergyDelta, lambda float64) float64 {
	return d.Distortion*(1.0-lambda) + d.Seam*lambda
}

func checkLambda(lambda float64) {
	if !(lambda >= 0 && lambda <= 1) {
		panic(errors.Invariant(component, "lambda %v outside [0,1]", lambda))
	}
}

// minCost returns the smallest combined cost over valid candidates, or +Inf.
func minCost(cands []optimization.Candidate, lambda float64) float64 {
	best := math.Inf(1)
	for _, c := range cands {
		if !c.Delta.Valid {
			continue
		}
		if cost := Cost(c.Delta, lambda); cost < best {
			best = cost
		}
	}
	return best
}

// PickOperationClass compares the cheapest split against the cheapest merge.
// Split wins only when strictly cheaper. It panics with an invariant violation
// when neither list holds a valid candidate.
func PickOperationClass(splits, merges []optimization.Candidate, lambda float64) Class {
	checkLambda(lambda)

	minSplit := minCost(splits, lambda)
	minMerge := minCost(merges, lambda)
	if math.IsInf(minSplit, 1) && math.IsInf(minMerge, 1) {
		panic(errors.Invariant(component, "no valid split or merge candidate"))
	}

	if minSplit < minMerge {
		return Split
	}
	return Merge
}

// PickBest returns the index and cost of the cheapest valid candidate. When no
// candidate is valid it returns -1 and +Inf.
func PickBest(cands []optimization.Candidate, lambda float64) (int, float64) {
	checkLambda(lambda)

	bestIdx := -1
	bestCost := math.Inf(1)
	for i, c := range cands {
		if !c.Delta.Valid {
			continue
		}
		if cost := Cost(c.Delta, lambda); cost < bestCost {
			bestIdx = i
			bestCost = cost
		}
	}
	return bestIdx, bestCost
}

// HasUsableCandidate reports whether any candidate is valid.
func HasUsableCandidate(cands []optimization.Candidate) bool {
	for _, c := range cands {
		if c.Delta.Valid {
			return true
		}
	}
	return false
}

// HasImprovingCandidate reports whether any candidate lowers at least one
// energy component it could compute, counting components of otherwise
// unusable candidates too. Without one, no weight makes a split pay off and
// the candidate filter has to be widened instead.
func HasImprovingCandidate(cands []optimization.Candidate) bool {
	for _, c := range cands {
		if c.Delta.Lowers() {
			return true
		}
	}
	return false
}
