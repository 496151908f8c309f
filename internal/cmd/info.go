package cmd

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/seamopt/internal/config"
	"github.com/copyleftdev/seamopt/internal/diagnostics"
	"github.com/copyleftdev/seamopt/internal/optimization"
	"github.com/copyleftdev/seamopt/internal/optimization/synthetic"
)

// Info is the run summary written next to the other outputs.
type Info struct {
	RunID       string              `yaml:"run_id,omitempty"`
	Problem     string              `yaml:"problem"`
	Edges       int                 `yaml:"edges"`
	InitialCuts []int               `yaml:"initial_cuts"`
	FinalCuts   []int               `yaml:"final_cuts"`
	Params      config.Optimization `yaml:"params"`

	Outcome     optimization.Outcome `yaml:"outcome"`
	Iterations  int                  `yaml:"iterations"`
	TopoEdits   int                  `yaml:"topo_edits"`
	LambdaInit  float64              `yaml:"lambda_init"`
	LambdaFinal float64              `yaml:"lambda_final"`
	Distortion  float64              `yaml:"distortion"`
	SeamEnergy  float64              `yaml:"seam_energy"`

	ElapsedSeconds       float64                      `yaml:"elapsed_seconds"`
	FirstFeasibleSeconds float64                      `yaml:"first_feasible_seconds"`
	Timings              []diagnostics.ActivityTime   `yaml:"timings"`
	Energy               diagnostics.SeriesSummary    `yaml:"energy"`
	Gradient             diagnostics.SeriesSummary    `yaml:"gradient"`
}

func newInfo(chain *synthetic.Chain, p *synthetic.Problem, params config.Optimization, res *optimization.Result,
	timer *diagnostics.Timer, initialCuts []int) Info {
	return Info{
		Problem:              chain.Name,
		Edges:                len(chain.Edges),
		InitialCuts:          initialCuts,
		FinalCuts:            cutIndices(p.Edges()),
		Params:               params,
		Outcome:              res.Outcome,
		Iterations:           res.Iterations,
		TopoEdits:            res.TopoEdits,
		LambdaInit:           params.LambdaInit,
		LambdaFinal:          res.Lambda,
		Distortion:           res.Final.DistortionEnergy,
		SeamEnergy:           res.Final.SeamEnergy,
		ElapsedSeconds:       res.Elapsed.Seconds(),
		FirstFeasibleSeconds: res.FirstFeasible.Seconds(),
		Timings:              timer.Report(),
		Energy:               p.EnergySeries().Summary(),
		Gradient:             p.GradientSeries().Summary(),
	}
}

// Save writes the summary as YAML.
func (i Info) Save(path string) error {
	data, err := yaml.Marshal(i)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
