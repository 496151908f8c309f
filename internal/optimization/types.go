package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// OperationKind identifies one of the three discrete edits that change which
// edges are seams.
type OperationKind int

const (
	BoundarySplit OperationKind = iota
	InteriorSplit
	Merge
)

func (k OperationKind) String() string {
	switch k {
	case BoundarySplit:
		return "boundary_split"
	case InteriorSplit:
		return "interior_split"
	case Merge:
		return "merge"
	default:
		return fmt.Sprintf("operation(%d)", int(k))
	}
}

// IsSplit reports whether k cuts new seam edges.
func (k OperationKind) IsSplit() bool {
	return k == BoundarySplit || k == InteriorSplit
}

// EnergyDelta is the projected change of an edit, split into its distortion and
// seam components. A component the generator could not compute is +Inf. Valid
// is set only when both components are finite; ranking ignores the rest.
type EnergyDelta struct {
	Distortion float64
	Seam       float64
	Valid      bool
}

// Delta returns a valid delta.
func Delta(distortion, seam float64) EnergyDelta {
	return EnergyDelta{Distortion: distortion, Seam: seam, Valid: true}
}

// PartialDelta returns a delta whose NaN or infinite components are
// unavailable. It is valid only when both components are finite.
func PartialDelta(distortion, seam float64) EnergyDelta {
	d := EnergyDelta{Distortion: available(distortion), Seam: available(seam)}
	d.Valid = !math.IsInf(d.Distortion, 1) && !math.IsInf(d.Seam, 1)
	return d
}

// InvalidDelta returns a delta marking a filtered candidate.
func InvalidDelta() EnergyDelta {
	return EnergyDelta{Distortion: math.Inf(1), Seam: math.Inf(1)}
}

func available(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.Inf(1)
	}
	return v
}

// Lowers reports whether any available component is negative.
func (d EnergyDelta) Lowers() bool {
	return d.Distortion < 0 || d.Seam < 0
}

// Candidate is a proposed edit. Candidates live for one outer iteration.
type Candidate struct {
	Kind OperationKind
	// Path is the ordered vertex/edge identifiers the edit touches.
	Path []int
	// NewGeometry holds proposed positions, one row per touched vertex.
	NewGeometry *mat.Dense
	Delta       EnergyDelta
}

// FilterParams narrows candidate enumeration.
type FilterParams struct {
	// Threshold drops candidates whose distortion gain is below it.
	Threshold float64
	// Exponent keeps roughly total^Exponent interior split candidates.
	Exponent float64
}

// EnergySummary is what the collaborator reports at a point of local stationarity.
type EnergySummary struct {
	// WeightedDistortion is the distortion energy multiplied by the current
	// distortion weight.
	WeightedDistortion float64
	SeamEnergy         float64
	MinEdgeLength      float64
	ReferenceScale     float64
}

// EnergyMeasure is the controller's view of a stationary point.
type EnergyMeasure struct {
	DistortionEnergy float64 `json:"distortion_energy" yaml:"distortion_energy"`
	SeamEnergy       float64 `json:"seam_energy" yaml:"seam_energy"`
	// BoundMeasure is compared against the distortion upper bound.
	BoundMeasure float64 `json:"bound_measure" yaml:"bound_measure"`
}

// NewEnergyMeasure normalizes a summary by the distortion weight w = 1 - lambda.
func NewEnergyMeasure(s EnergySummary, distortionWeight float64) EnergyMeasure {
	d := s.WeightedDistortion / distortionWeight
	return EnergyMeasure{
		DistortionEnergy: d,
		SeamEnergy:       s.SeamEnergy,
		BoundMeasure:     d,
	}
}

// Feasible reports whether the measure respects the upper bound.
func (m EnergyMeasure) Feasible(upperBound float64) bool {
	return m.BoundMeasure <= upperBound
}

// SeamTolerance is the energy-dependent tolerance used to match seam levels.
func (s EnergySummary) SeamTolerance() float64 {
	if s.ReferenceScale <= 0 {
		return 1e-3 * s.MinEdgeLength
	}
	return 1e-3 * s.MinEdgeLength / s.ReferenceScale
}
