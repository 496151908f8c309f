package ranking

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/optimization"
)

func cand(kind optimization.OperationKind, d, s float64) optimization.Candidate {
	return optimization.Candidate{Kind: kind, Delta: optimization.Delta(d, s)}
}

func invalid(kind optimization.OperationKind) optimization.Candidate {
	return optimization.Candidate{Kind: kind, Delta: optimization.InvalidDelta()}
}

func TestPickBest(t *testing.T) {
	tests := []struct {
		name     string
		cands    []optimization.Candidate
		lambda   float64
		wantIdx  int
		wantCost float64
	}{
		{
			name: "combined cost picks first",
			cands: []optimization.Candidate{
				cand(optimization.BoundarySplit, 1.0, 2.0),
				cand(optimization.BoundarySplit, 3.0, 0.5),
			},
			lambda:   0.5,
			wantIdx:  0,
			wantCost: 1.5,
		},
		{
			name: "invalid entries skipped",
			cands: []optimization.Candidate{
				invalid(optimization.Merge),
				cand(optimization.Merge, 0.2, -1.0),
			},
			lambda:   0.5,
			wantIdx:  1,
			wantCost: -0.4,
		},
		{
			name: "tie keeps first index",
			cands: []optimization.Candidate{
				cand(optimization.Merge, 1.0, 1.0),
				cand(optimization.Merge, 1.0, 1.0),
			},
			lambda:   0.3,
			wantIdx:  0,
			wantCost: 1.0,
		},
		{
			name: "lambda zero ignores seam",
			cands: []optimization.Candidate{
				cand(optimization.InteriorSplit, -1.0, 100),
				cand(optimization.InteriorSplit, -0.5, 0),
			},
			lambda:   0,
			wantIdx:  0,
			wantCost: -1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, cost := PickBest(tt.cands, tt.lambda)
			assert.Equal(t, tt.wantIdx, idx)
			assert.InDelta(t, tt.wantCost, cost, 1e-12)
		})
	}
}

func TestPickBestAllInvalid(t *testing.T) {
	cands := []optimization.Candidate{invalid(optimization.Merge), invalid(optimization.Merge)}

	idx, cost := PickBest(cands, 0.5)
	assert.Equal(t, -1, idx)
	assert.True(t, math.IsInf(cost, 1))

	idx, cost = PickBest(nil, 0.5)
	assert.Equal(t, -1, idx)
	assert.True(t, math.IsInf(cost, 1))
}

func TestPickBestIdempotent(t *testing.T) {
	cands := []optimization.Candidate{
		cand(optimization.Merge, 0.3, -0.2),
		cand(optimization.Merge, -0.1, 0.4),
		invalid(optimization.Merge),
		cand(optimization.Merge, 0.05, -0.05),
	}
	for _, lambda := range []float64{0.01, 0.25, 0.5, 0.75, 0.99} {
		i1, c1 := PickBest(cands, lambda)
		i2, c2 := PickBest(cands, lambda)
		assert.Equal(t, i1, i2)
		assert.Equal(t, c1, c2)
	}
}

func TestPickOperationClass(t *testing.T) {
	splits := []optimization.Candidate{cand(optimization.BoundarySplit, -2.0, 1.0)}
	merges := []optimization.Candidate{cand(optimization.Merge, 2.0, -1.0)}

	// lambda small: distortion dominates, split is cheaper.
	assert.Equal(t, Split, PickOperationClass(splits, merges, 0.1))
	// lambda large: seam dominates, merge is cheaper.
	assert.Equal(t, Merge, PickOperationClass(splits, merges, 0.9))
	// lambda 0.5: split costs -0.5, merge +0.5.
	assert.Equal(t, Split, PickOperationClass(splits, merges, 0.5))
}

func TestPickOperationClassTieFavorsMerge(t *testing.T) {
	for _, lambda := range []float64{0.001, 0.2, 0.5, 0.8, 0.999} {
		splits := []optimization.Candidate{cand(optimization.BoundarySplit, 1.0, 1.0)}
		merges := []optimization.Candidate{cand(optimization.Merge, 1.0, 1.0)}
		assert.Equal(t, Merge, PickOperationClass(splits, merges, lambda), "lambda=%v", lambda)
	}
}

func TestPickOperationClassOneSideInvalid(t *testing.T) {
	splits := []optimization.Candidate{invalid(optimization.BoundarySplit)}
	merges := []optimization.Candidate{cand(optimization.Merge, 5.0, 5.0)}
	assert.Equal(t, Merge, PickOperationClass(splits, merges, 0.5))

	splits = []optimization.Candidate{cand(optimization.BoundarySplit, 5.0, 5.0)}
	assert.Equal(t, Split, PickOperationClass(splits, nil, 0.5))
}

func TestPickOperationClassBothInvalidPanics(t *testing.T) {
	defer func() {
		rec := recover()
		err, ok := rec.(*errors.Error)
		if assert.True(t, ok, "expected *errors.Error panic, got %v", rec) {
			assert.True(t, errors.IsInvariant(err))
		}
	}()
	PickOperationClass([]optimization.Candidate{invalid(optimization.BoundarySplit)}, nil, 0.5)
}

func TestUsableAndImproving(t *testing.T) {
	assert.False(t, HasUsableCandidate(nil))
	assert.False(t, HasUsableCandidate([]optimization.Candidate{invalid(optimization.InteriorSplit)}))
	assert.True(t, HasUsableCandidate([]optimization.Candidate{cand(optimization.InteriorSplit, 1, 1)}))

	assert.False(t, HasImprovingCandidate([]optimization.Candidate{cand(optimization.InteriorSplit, 1, 1)}))
	assert.True(t, HasImprovingCandidate([]optimization.Candidate{cand(optimization.InteriorSplit, -1, 1)}))
	assert.True(t, HasImprovingCandidate([]optimization.Candidate{cand(optimization.InteriorSplit, 1, -1)}))
	assert.False(t, HasImprovingCandidate([]optimization.Candidate{invalid(optimization.InteriorSplit)}))
}

func TestPartialCandidateCountsAsImprovingOnly(t *testing.T) {
	// the distortion change could not be computed, the seam change is known
	partial := optimization.Candidate{
		Kind:  optimization.InteriorSplit,
		Delta: optimization.PartialDelta(math.NaN(), -0.2),
	}
	assert.False(t, partial.Delta.Valid)
	assert.True(t, math.IsInf(partial.Delta.Distortion, 1))

	cands := []optimization.Candidate{cand(optimization.InteriorSplit, 1, 1), partial}
	assert.True(t, HasImprovingCandidate(cands))
	assert.True(t, HasUsableCandidate(cands))

	idx, cost := PickBest(cands, 0.5)
	assert.Equal(t, 0, idx, "partial candidates are never ranked")
	assert.InDelta(t, 1.0, cost, 1e-12)

	assert.False(t, HasUsableCandidate([]optimization.Candidate{partial}))
	assert.True(t, HasImprovingCandidate([]optimization.Candidate{partial}))
}
