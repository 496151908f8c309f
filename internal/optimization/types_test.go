package optimization

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationKind(t *testing.T) {
	tests := []struct {
		kind  OperationKind
		name  string
		split bool
	}{
		{BoundarySplit, "boundary_split", true},
		{InteriorSplit, "interior_split", true},
		{Merge, "merge", false},
		{OperationKind(7), "operation(7)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.kind.String())
			assert.Equal(t, tt.split, tt.kind.IsSplit())
		})
	}
}

func TestEnergyMeasure(t *testing.T) {
	m := NewEnergyMeasure(EnergySummary{WeightedDistortion: 2.05, SeamEnergy: 0.3}, 0.5)
	assert.InDelta(t, 4.1, m.DistortionEnergy, 1e-12)
	assert.InDelta(t, 4.1, m.BoundMeasure, 1e-12)
	assert.Equal(t, 0.3, m.SeamEnergy)
	assert.True(t, m.Feasible(4.1+1e-9))
	assert.False(t, m.Feasible(4.0))
}

func TestSeamTolerance(t *testing.T) {
	assert.InDelta(t, 5e-4, EnergySummary{MinEdgeLength: 0.5}.SeamTolerance(), 1e-15)
	assert.InDelta(t, 1e-4, EnergySummary{MinEdgeLength: 0.5, ReferenceScale: 5}.SeamTolerance(), 1e-15)
}

func TestDelta(t *testing.T) {
	d := Delta(-0.1, 0.2)
	assert.True(t, d.Valid)
	assert.True(t, d.Lowers())

	inv := InvalidDelta()
	assert.False(t, inv.Valid)
	assert.False(t, inv.Lowers())

	p := PartialDelta(math.Inf(-1), -0.3)
	assert.False(t, p.Valid)
	assert.True(t, math.IsInf(p.Distortion, 1))
	assert.True(t, p.Lowers())
	assert.True(t, PartialDelta(0.1, 0.2).Valid)
	assert.False(t, PartialDelta(0.1, 0.2).Lowers())
}

func TestErrorString(t *testing.T) {
	cause := fmt.Errorf("line search failed")
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message only", NewError("bad chain"), "bad chain"},
		{"component", NewError("bad chain").WithComponent("synthetic"), "synthetic: bad chain"},
		{"component and op", NewError("stalled").WithComponent("controller").WithOperation("descend"), "controller: descend: stalled"},
		{"iteration", NewError("stalled").WithOperation("descend").AtIteration(3), "descend (iteration 3): stalled"},
		{"wrapped", WrapError(cause, "descent failed").WithComponent("controller"), "controller: descent failed: line search failed"},
		{"wrapped bare", WrapError(cause, "descent failed"), "descent failed: line search failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError(nil, "ignored"))
	var e *Error
	assert.Equal(t, "<nil>", e.Error())
	assert.NoError(t, e.Unwrap())
}

func TestIsOptimizationError(t *testing.T) {
	cause := fmt.Errorf("boom")
	inner := WrapError(cause, "descent failed").WithComponent("controller")

	e, ok := IsOptimizationError(fmt.Errorf("run: %w", inner))
	require.True(t, ok)
	assert.Same(t, inner, e)
	assert.ErrorIs(t, inner, cause)

	_, ok = IsOptimizationError(cause)
	assert.False(t, ok)
	_, ok = IsOptimizationError(nil)
	assert.False(t, ok)
}
