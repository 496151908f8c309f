// Package synthetic implements the controller's collaborator contracts on a
// chain of edges. Each edge carries a stress that the continuous variables
// relax; cutting an edge (making it a seam) removes its stiffness term at the
// price of its length in seam energy.
//
// With u_i the variable of edge i:
//
//	E(u) = 4 + sum_i (u_i - a_i)^2 + [edge i uncut] c_i u_i^2
//
// so an uncut edge settles at a_i/(1+c_i) and keeps a_i^2 c_i/(1+c_i) of
// distortion, while a cut edge settles at a_i and keeps none. The constant 4
// is the distortion of an isometric map, below which no bound may be set.
package synthetic

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/seamopt/internal/optimization"
)

const component = "synthetic"

// baseDistortion is the distortion of an isometric map.
const baseDistortion = 4.0

// Edge is one link of the chain.
type Edge struct {
	Length    float64 `yaml:"length" json:"length"`
	Stress    float64 `yaml:"stress" json:"stress"`
	Stiffness float64 `yaml:"stiffness" json:"stiffness"`
	Cut       bool    `yaml:"cut,omitempty" json:"cut,omitempty"`
}

// relaxed is the per-edge minimizer for the current cut state.
func (e Edge) relaxed() float64 {
	if e.Cut {
		return e.Stress
	}
	return e.Stress / (1 + e.Stiffness)
}

// gain is the distortion an uncut edge keeps at its minimum, which is exactly
// what cutting it releases.
func (e Edge) gain() float64 {
	return e.Stress * e.Stress * e.Stiffness / (1 + e.Stiffness)
}

// Chain is the problem definition as stored on disk.
type Chain struct {
	Name string `yaml:"name" json:"name"`
	// ReferenceScale normalizes seam energy; zero means total length.
	ReferenceScale float64 `yaml:"reference_scale,omitempty" json:"reference_scale,omitempty"`
	Edges          []Edge  `yaml:"edges" json:"edges"`
}

// Validate checks the chain is usable.
func (c *Chain) Validate() error {
	if len(c.Edges) < 2 {
		return optimization.NewError("chain needs at least two edges").WithComponent(component)
	}
	cuts := 0
	for i, e := range c.Edges {
		if !(e.Length > 0) || math.IsInf(e.Length, 0) {
			return optimization.NewError(fmt.Sprintf("edge %d: length must be positive", i)).WithComponent(component)
		}
		if e.Stiffness < 0 || math.IsNaN(e.Stiffness) || math.IsNaN(e.Stress) {
			return optimization.NewError(fmt.Sprintf("edge %d: invalid stress or stiffness", i)).WithComponent(component)
		}
		if e.Cut {
			cuts++
		}
	}
	if cuts == 0 {
		return optimization.NewError("chain needs an initial cut").WithComponent(component)
	}
	if c.ReferenceScale < 0 {
		return optimization.NewError("reference scale must not be negative").WithComponent(component)
	}
	return nil
}

func (c *Chain) referenceScale() float64 {
	if c.ReferenceScale > 0 {
		return c.ReferenceScale
	}
	total := 0.0
	for _, e := range c.Edges {
		total += e.Length
	}
	return total
}

// Generate builds a random chain of n edges with one initial cut.
func Generate(n int, seed int64) *Chain {
	if n < 2 {
		n = 2
	}
	rng := rand.New(rand.NewSource(seed))
	c := &Chain{
		Name:  fmt.Sprintf("chain-%d-%d", n, seed),
		Edges: make([]Edge, n),
	}
	for i := range c.Edges {
		c.Edges[i] = Edge{
			Length:    0.5 + rng.Float64(),
			Stress:    0.05 + 0.45*rng.Float64(),
			Stiffness: 0.5 + 2*rng.Float64(),
		}
	}
	c.Edges[rng.Intn(n)].Cut = true
	return c
}

// ReadChain decodes a YAML chain.
func ReadChain(r io.Reader) (*Chain, error) {
	var c Chain
	if err := yaml.NewDecoder(r).Decode(&c); err != nil {
		return nil, optimization.WrapError(err, "decoding chain").WithComponent(component)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadChain reads a YAML chain file.
func LoadChain(path string) (*Chain, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, optimization.WrapError(err, "opening chain").WithComponent(component)
	}
	defer f.Close()
	return ReadChain(f)
}
