package synthetic

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/optimization"
)

// State is a full copy of a problem's mutable state.
type State struct {
	Chain     string    `yaml:"chain" json:"chain"`
	Edges     []Edge    `yaml:"edges" json:"edges"`
	Variables []float64 `yaml:"variables" json:"variables"`
	Weight    float64   `yaml:"weight" json:"weight"`
}

// Snapshot copies the current state.
func (p *Problem) Snapshot() optimization.Snapshot {
	return &State{
		Chain:     p.name,
		Edges:     append([]Edge(nil), p.edges...),
		Variables: append([]float64(nil), p.u...),
		Weight:    p.w,
	}
}

// Restore replaces the cut layout and variables with a snapshot. The
// distortion weight is left to the caller.
func (p *Problem) Restore(s optimization.Snapshot) {
	st, ok := s.(*State)
	if !ok || len(st.Edges) != len(p.edges) || len(st.Variables) != len(p.u) {
		panic(errors.Invariant(component, "restore with foreign snapshot %T", s))
	}
	copy(p.edges, st.Edges)
	copy(p.u, st.Variables)
}

// MarshalSnapshot encodes a snapshot produced by this package as YAML.
func MarshalSnapshot(s optimization.Snapshot) ([]byte, error) {
	st, ok := s.(*State)
	if !ok {
		return nil, fmt.Errorf("synthetic: cannot marshal snapshot of type %T", s)
	}
	return yaml.Marshal(st)
}

// UnmarshalSnapshot decodes a YAML snapshot.
func UnmarshalSnapshot(data []byte) (*State, error) {
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, optimization.WrapError(err, "decoding snapshot").WithComponent(component)
	}
	return &st, nil
}

// SaveSnapshot writes a YAML snapshot file.
func SaveSnapshot(path string, s optimization.Snapshot) error {
	data, err := MarshalSnapshot(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SeriesSinks are the destinations of FlushSeries. Nil writers are skipped.
type SeriesSinks struct {
	Energy   io.Writer
	Gradient io.Writer
}

// FlushSeries appends the samples recorded since the last flush.
func (p *Problem) FlushSeries() error {
	if p.sinks.Energy != nil {
		if err := p.energy.Flush(p.sinks.Energy); err != nil {
			return optimization.WrapError(err, "flushing energy series").WithComponent(component)
		}
	}
	if p.sinks.Gradient != nil {
		if err := p.gradient.Flush(p.sinks.Gradient); err != nil {
			return optimization.WrapError(err, "flushing gradient series").WithComponent(component)
		}
	}
	return nil
}
