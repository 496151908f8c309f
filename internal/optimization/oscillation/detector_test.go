package oscillation

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/optimization"
)

var testParams = Params{UpperBound: 4.1, Tolerance: 1e-3}

func observation(iter int, seam, lambda, distortion, bound float64) Observation {
	return Observation{
		Iteration: iter,
		Measure: optimization.EnergyMeasure{
			DistortionEnergy: distortion,
			SeamEnergy:       seam,
			BoundMeasure:     bound,
		},
		Lambda:          lambda,
		SeamTolerance:   1e-3,
		WeightTolerance: 1e-3,
	}
}

func snapshotOf(label string) func() optimization.Snapshot {
	return func() optimization.Snapshot { return label }
}

func TestHistoryFind(t *testing.T) {
	h := NewHistory()
	h.Record(2.0, 0.6, 1.2)
	h.Record(2.0, 0.3, 0.9)
	h.Record(3.5, 0.6, 1.2)

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 2, h.Levels())

	tests := []struct {
		name       string
		seam       float64
		lambda     float64
		distortion float64
		want       bool
		wantSeam   float64
	}{
		{name: "exact", seam: 2.0, lambda: 0.6, distortion: 1.2, want: true, wantSeam: 2.0},
		{name: "second entry at level", seam: 2.0, lambda: 0.3, distortion: 0.9, want: true, wantSeam: 2.0},
		{name: "level just above", seam: 1.9995, lambda: 0.6, distortion: 1.2, want: true, wantSeam: 2.0},
		{name: "level just below", seam: 2.0004, lambda: 0.6, distortion: 1.2, want: true, wantSeam: 2.0},
		{name: "seam too far", seam: 2.01, lambda: 0.6, distortion: 1.2},
		{name: "lambda differs", seam: 2.0, lambda: 0.61, distortion: 1.2},
		{name: "distortion differs", seam: 2.0, lambda: 0.6, distortion: 1.25},
		{name: "between levels", seam: 2.75, lambda: 0.6, distortion: 1.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := h.Find(tt.seam, tt.lambda, tt.distortion, 1e-3, 1e-3)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, tt.wantSeam, m.SeamEnergy)
			}
		})
	}
}

func TestHistoryFindEmpty(t *testing.T) {
	_, ok := NewHistory().Find(1.0, 0.5, 0.5, 1, 1)
	assert.False(t, ok)
}

func TestDetectorRevisitRollsBackToFeasibleCheckpoint(t *testing.T) {
	d := NewDetector(testParams)

	rep := d.Observe(observation(10, 2.0, 0.6, 1.2, 3.9), snapshotOf("iter10"))
	assert.Equal(t, Continue, rep.Verdict)
	assert.True(t, rep.Improved)

	rep = d.Observe(observation(11, 2.5, 0.7, 1.1, 4.5), snapshotOf("iter11"))
	assert.Equal(t, Continue, rep.Verdict)
	assert.False(t, rep.Improved)

	rep = d.Observe(observation(25, 2.0, 0.6, 1.2, 3.9), snapshotOf("iter25"))
	require.Equal(t, Oscillated, rep.Verdict)
	require.NotNil(t, rep.Rollback)
	assert.Equal(t, 10, rep.Rollback.Iteration)
	assert.Equal(t, "iter10", rep.Rollback.Snapshot)
	require.NotNil(t, rep.Match)
	assert.Equal(t, 2.0, rep.Match.SeamEnergy)
}

func TestDetectorRevisitWithoutCheckpointContinues(t *testing.T) {
	d := NewDetector(testParams)

	d.Observe(observation(10, 2.0, 0.6, 1.2, 5.0), snapshotOf("iter10"))
	rep := d.Observe(observation(25, 2.0, 0.6, 1.2, 5.0), snapshotOf("iter25"))

	assert.Equal(t, Continue, rep.Verdict)
	assert.Nil(t, d.Best())
	assert.Equal(t, 2, d.History().Len())
}

func TestDetectorRevisitAtCheckpointIterationHasNoRollback(t *testing.T) {
	d := NewDetector(testParams)

	d.Observe(observation(10, 2.5, 0.6, 1.2, 5.0), snapshotOf("iter10"))
	// a feasible revisit that is also the best checkpoint so far
	rep := d.Observe(observation(25, 2.5, 0.6, 1.2005, 4.0), snapshotOf("iter25"))

	require.Equal(t, Oscillated, rep.Verdict)
	assert.True(t, rep.Improved)
	assert.Nil(t, rep.Rollback)
	assert.Equal(t, 25, d.Best().Iteration)
}

func TestDetectorReplaySkipsSameIteration(t *testing.T) {
	d := NewDetector(testParams)

	d.Observe(observation(4, 1.0, 0.5, 1.0, 3.0), snapshotOf("a"))
	rep := d.Observe(observation(4, 1.0, 0.5, 1.0, 3.0), snapshotOf("b"))

	assert.Equal(t, Replay, rep.Verdict)
	assert.Equal(t, 1, d.History().Len())
	assert.Equal(t, "a", d.Best().Snapshot)
}

func TestDetectorFirstObservationAtIterationZero(t *testing.T) {
	d := NewDetector(testParams)
	rep := d.Observe(observation(0, 1.0, 0.5, 1.0, 3.0), snapshotOf("zero"))
	assert.Equal(t, Continue, rep.Verdict)
	assert.Equal(t, 0, d.Best().Iteration)
}

func TestDetectorCheckpointOnlyImproves(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	d := NewDetector(testParams)

	prev := -1.0
	for i := 0; i < 300; i++ {
		seam := rng.Float64() * 10
		bound := 3.0 + rng.Float64()*2
		d.Observe(observation(i, seam, rng.Float64(), rng.Float64()*5, bound), snapshotOf(fmt.Sprint(i)))

		best := d.Best()
		if best == nil {
			continue
		}
		if prev >= 0 {
			require.LessOrEqual(t, best.SeamEnergy, prev)
		}
		prev = best.SeamEnergy
	}
}

func TestDetectorCheckConvergence(t *testing.T) {
	d := NewDetector(testParams)
	d.Observe(observation(3, 1.0, 0.5, 1.0, 4.0995), snapshotOf("iter3"))

	ok, rb := d.CheckConvergence(3, optimization.EnergyMeasure{SeamEnergy: 1.0, BoundMeasure: 4.0995})
	assert.True(t, ok)
	assert.Nil(t, rb)

	ok, rb = d.CheckConvergence(7, optimization.EnergyMeasure{SeamEnergy: 1.5, BoundMeasure: 4.0999})
	assert.True(t, ok)
	require.NotNil(t, rb)
	assert.Equal(t, 3, rb.Iteration)

	ok, _ = d.CheckConvergence(8, optimization.EnergyMeasure{BoundMeasure: 3.5})
	assert.False(t, ok)

	ok, _ = d.CheckConvergence(9, optimization.EnergyMeasure{BoundMeasure: 4.2})
	assert.False(t, ok)
}

func TestDetectorConvergenceWithoutCheckpointPanics(t *testing.T) {
	d := NewDetector(testParams)

	defer func() {
		err, ok := recover().(*errors.Error)
		require.True(t, ok)
		assert.True(t, errors.IsInvariant(err))
	}()
	d.CheckConvergence(1, optimization.EnergyMeasure{BoundMeasure: 4.0995})
}
