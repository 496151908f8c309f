package synthetic

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/seamopt/internal/diagnostics"
	"github.com/copyleftdev/seamopt/internal/errors"
	"github.com/copyleftdev/seamopt/internal/optimization"
)

const (
	// DefaultGradientTolerance ends a descent on the relaxed tolerance.
	DefaultGradientTolerance = 1e-6
	// ExactGradientTolerance is used after Tighten.
	ExactGradientTolerance = 1e-9
)

// Problem drives a Chain through the optimization interfaces. It is not safe
// for concurrent use; one controller owns it.
type Problem struct {
	name    string
	edges   []Edge
	u       []float64
	ref     float64
	minEdge float64
	w       float64
	gradTol float64

	energy   *diagnostics.Series
	gradient *diagnostics.Series
	sinks    SeriesSinks

	logger *zap.Logger
}

var (
	_ optimization.Problem       = (*Problem)(nil)
	_ optimization.SeriesFlusher = (*Problem)(nil)
)

// Option configures a Problem.
type Option func(*Problem)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Problem) { p.logger = l }
}

// WithSeriesSinks sets where FlushSeries writes.
func WithSeriesSinks(s SeriesSinks) Option {
	return func(p *Problem) { p.sinks = s }
}

// NewProblem starts from the chain's cut layout with every variable at zero.
func NewProblem(c *Chain, opts ...Option) (*Problem, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p := &Problem{
		name:     c.Name,
		edges:    append([]Edge(nil), c.Edges...),
		u:        make([]float64, len(c.Edges)),
		ref:      c.referenceScale(),
		minEdge:  math.Inf(1),
		w:        1,
		gradTol:  DefaultGradientTolerance,
		energy:   diagnostics.NewSeries("energy"),
		gradient: diagnostics.NewSeries("gradient"),
		logger:   zap.NewNop(),
	}
	for _, e := range p.edges {
		p.minEdge = math.Min(p.minEdge, e.Length)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", component), zap.String("chain", p.name))
	return p, nil
}

// Name of the chain.
func (p *Problem) Name() string { return p.name }

// Edges returns a copy of the current edges.
func (p *Problem) Edges() []Edge { return append([]Edge(nil), p.edges...) }

// Cuts counts seam edges.
func (p *Problem) Cuts() int {
	n := 0
	for _, e := range p.edges {
		if e.Cut {
			n++
		}
	}
	return n
}

// Distortion is the unweighted distortion energy at the current variables.
func (p *Problem) Distortion() float64 { return p.eval(p.u) }

// SeamEnergy is the normalized length of all cut edges.
func (p *Problem) SeamEnergy() float64 {
	s := 0.0
	for _, e := range p.edges {
		if e.Cut {
			s += e.Length
		}
	}
	return s / p.ref
}

// EnergySeries and GradientSeries expose the recorded series.
func (p *Problem) EnergySeries() *diagnostics.Series   { return p.energy }
func (p *Problem) GradientSeries() *diagnostics.Series { return p.gradient }

func (p *Problem) eval(x []float64) float64 {
	e := baseDistortion
	for i, edge := range p.edges {
		d := x[i] - edge.Stress
		e += d * d
		if !edge.Cut {
			e += edge.Stiffness * x[i] * x[i]
		}
	}
	return e
}

func (p *Problem) grad(g, x []float64) {
	for i, edge := range p.edges {
		g[i] = 2 * (x[i] - edge.Stress)
		if !edge.Cut {
			g[i] += 2 * edge.Stiffness * x[i]
		}
	}
}

func (p *Problem) gradNorm() float64 {
	g := make([]float64, len(p.u))
	p.grad(g, p.u)
	return floats.Norm(g, math.Inf(1))
}

// Descend runs at most stepBudget LBFGS iterations from the current variables.
func (p *Problem) Descend(ctx context.Context, stepBudget int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if stepBudget < 1 {
		stepBudget = 1
	}

	if p.gradNorm() < p.gradTol {
		p.record()
		return true, nil
	}

	prob := optimize.Problem{
		Func: func(x []float64) float64 { return p.w * p.eval(x) },
		Grad: func(g, x []float64) {
			p.grad(g, x)
			floats.Scale(p.w, g)
		},
	}
	// gonum counts the initial evaluation as a major iteration
	settings := &optimize.Settings{
		MajorIterations:   stepBudget + 1,
		GradientThreshold: p.w * p.gradTol,
	}

	before := p.eval(p.u)
	res, err := optimize.Minimize(prob, p.u, settings, &optimize.LBFGS{})
	p.accept(res)
	if p.gradNorm() >= p.gradTol && (err != nil || p.eval(p.u) >= before) {
		// Close to the minimum the line search can run out of precision in
		// the function value. A Newton step on the exact Hessian finishes it.
		p.logger.Debug("lbfgs made no progress, polishing with newton", zap.Error(err))
		prob.Hess = func(h *mat.SymDense, x []float64) {
			for i, edge := range p.edges {
				for j := range p.edges {
					h.SetSym(i, j, 0)
				}
				d := 2.0
				if !edge.Cut {
					d += 2 * edge.Stiffness
				}
				h.SetSym(i, i, p.w*d)
			}
		}
		res, err = optimize.Minimize(prob, p.u, settings, &optimize.Newton{})
		p.accept(res)
	}
	p.record()

	stationary := p.gradNorm() < p.gradTol
	if err != nil && !stationary {
		return false, optimization.WrapError(err, "descent failed").WithComponent(component).WithOperation("descend")
	}
	return stationary, nil
}

// accept takes a solver result when it does not raise the energy.
func (p *Problem) accept(res *optimize.Result) {
	if res != nil && len(res.X) == len(p.u) && p.eval(res.X) <= p.eval(p.u) {
		copy(p.u, res.X)
	}
}

func (p *Problem) record() {
	p.energy.Append(p.w * p.eval(p.u))
	p.gradient.Append(p.gradNorm())
}

// Tighten switches to the exact gradient tolerance.
func (p *Problem) Tighten() {
	p.gradTol = ExactGradientTolerance
}

// Summary reports the energies of the current state.
func (p *Problem) Summary() optimization.EnergySummary {
	return optimization.EnergySummary{
		WeightedDistortion: p.w * p.eval(p.u),
		SeamEnergy:         p.SeamEnergy(),
		MinEdgeLength:      p.minEdge,
		ReferenceScale:     p.ref,
	}
}

// SetDistortionWeight sets the weight applied to distortion energy.
func (p *Problem) SetDistortionWeight(w float64) {
	if !(w > 0 && w < 1) {
		panic(errors.Invariant(component, "distortion weight %v outside (0,1)", w))
	}
	p.w = w
}

// InteriorTotal counts interior split candidates before filtering.
func (p *Problem) InteriorTotal() int {
	n := 0
	for i := range p.edges {
		if p.isInterior(i) {
			n++
		}
	}
	return n
}

func (p *Problem) touchesBoundary(i int) bool {
	if i == 0 || i == len(p.edges)-1 {
		return true
	}
	return p.edges[i-1].Cut || p.edges[i+1].Cut
}

func (p *Problem) isInterior(i int) bool {
	return !p.edges[i].Cut && !p.touchesBoundary(i)
}

// Candidates enumerates edits of one kind. Split candidates whose distortion
// gain is below the filter threshold are returned invalid; interior splits
// keep only the ceil(total^exponent) largest gains valid. The only remaining
// cut never yields a valid merge.
func (p *Problem) Candidates(kind optimization.OperationKind, filter optimization.FilterParams) []optimization.Candidate {
	var out []optimization.Candidate
	switch kind {
	case optimization.BoundarySplit:
		for i, e := range p.edges {
			if !e.Cut && p.touchesBoundary(i) {
				out = append(out, p.splitCandidate(kind, i, filter.Threshold))
			}
		}
	case optimization.InteriorSplit:
		for i := range p.edges {
			if p.isInterior(i) {
				out = append(out, p.splitCandidate(kind, i, filter.Threshold))
			}
		}
		keepTop(out, p.edges, filter.Exponent)
	case optimization.Merge:
		last := p.Cuts() == 1
		for i, e := range p.edges {
			if !e.Cut {
				continue
			}
			c := p.candidate(kind, i)
			if !last {
				c.Delta = optimization.Delta(e.gain(), -e.Length/p.ref)
			}
			out = append(out, c)
		}
	}
	return out
}

func (p *Problem) candidate(kind optimization.OperationKind, i int) optimization.Candidate {
	after := p.edges[i]
	after.Cut = kind.IsSplit()
	return optimization.Candidate{
		Kind:        kind,
		Path:        []int{i},
		NewGeometry: mat.NewDense(1, 1, []float64{after.relaxed()}),
		Delta:       optimization.InvalidDelta(),
	}
}

func (p *Problem) splitCandidate(kind optimization.OperationKind, i int, threshold float64) optimization.Candidate {
	c := p.candidate(kind, i)
	e := p.edges[i]
	if e.gain() >= threshold {
		c.Delta = optimization.Delta(-e.gain(), e.Length/p.ref)
	}
	return c
}

// keepTop invalidates all but the ceil(len^exponent) valid candidates with
// the largest gain.
func keepTop(cands []optimization.Candidate, edges []Edge, exponent float64) {
	if len(cands) == 0 {
		return
	}
	keep := int(math.Ceil(math.Pow(float64(len(cands)), exponent)))
	if keep >= len(cands) {
		return
	}
	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return edges[cands[order[a]].Path[0]].gain() > edges[cands[order[b]].Path[0]].gain()
	})
	for _, idx := range order[keep:] {
		cands[idx].Delta = optimization.InvalidDelta()
	}
}

// Apply performs an edit. It refuses candidates that no longer match the
// current cut layout, and never removes the last cut.
func (p *Problem) Apply(c optimization.Candidate) bool {
	if len(c.Path) != 1 {
		return false
	}
	i := c.Path[0]
	if i < 0 || i >= len(p.edges) {
		return false
	}
	e := &p.edges[i]
	switch {
	case c.Kind.IsSplit() && e.Cut:
		return false
	case c.Kind == optimization.Merge && (!e.Cut || p.Cuts() == 1):
		return false
	}

	e.Cut = c.Kind.IsSplit()
	if c.NewGeometry != nil {
		p.u[i] = c.NewGeometry.At(0, 0)
	}
	p.logger.Debug("applied edit",
		zap.Stringer("kind", c.Kind),
		zap.Int("edge", i),
		zap.Int("cuts", p.Cuts()))
	return true
}
