package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/caarlos0/env/v10"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/seamopt/internal/config"
	"github.com/copyleftdev/seamopt/internal/diagnostics"
	"github.com/copyleftdev/seamopt/internal/logging"
	"github.com/copyleftdev/seamopt/internal/optimization"
	"github.com/copyleftdev/seamopt/internal/optimization/controller"
	"github.com/copyleftdev/seamopt/internal/optimization/synthetic"
	"github.com/copyleftdev/seamopt/internal/store"
)

// Output file names inside the output directory.
const (
	EnergyFile     = "energy.csv"
	GradientFile   = "gradient.csv"
	CheckpointFile = "checkpoint.yaml"
	InfoFile       = "info.yaml"
)

type runOptions struct {
	problem string
	edges   int
	seed    int64
	db      string
	params  config.Optimization
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	// flag defaults come from the OPT_* environment
	if err := env.Parse(&opts.params); err != nil {
		opts.params = config.Optimization{}
	}
	opts.params.Normalize()

	c := &cobra.Command{
		Use:   "run",
		Short: "Optimize the seams of a chain problem",
		Long: `Run the scheduling controller on a chain loaded from --problem or generated
from --edges and --seed. The trajectory log, energy and gradient series, the
best feasible checkpoint and a run summary are written to --output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}

	f := c.Flags()
	f.StringVarP(&opts.problem, "problem", "p", "", "YAML chain file (generated when empty)")
	f.IntVar(&opts.edges, "edges", 32, "edges of a generated chain")
	f.Int64Var(&opts.seed, "seed", 1, "seed of a generated chain")
	f.StringVar(&opts.db, "db", "", "SQLite file to record the run in")
	f.Float64Var(&opts.params.LambdaInit, "lambda", opts.params.LambdaInit, "initial seam weight in [0,1)")
	f.Float64Var(&opts.params.UpperBound, "bound", opts.params.UpperBound, "distortion upper bound, above 4")
	f.Float64Var(&opts.params.ConvTolerance, "tolerance", opts.params.ConvTolerance, "convergence band below the bound")
	f.IntVar(&opts.params.StepBudget, "step-budget", opts.params.StepBudget, "solver iterations per descent call")
	f.IntVar(&opts.params.MaxIterations, "max-iterations", opts.params.MaxIterations, "outer iteration limit")
	f.Float64Var(&opts.params.FilterExponent, "filter-exponent", opts.params.FilterExponent, "initial interior split filter exponent")
	f.Float64Var(&opts.params.FractureThreshold, "fracture-threshold", opts.params.FractureThreshold, "minimum distortion gain of a split")
	f.BoolVar(&opts.params.Bijective, "bijective", opts.params.Bijective, "skip the exact final solve")
	f.StringVarP(&opts.params.OutputDir, "output", "o", opts.params.OutputDir, "output directory")
	return c
}

func loadChain(opts *runOptions) (*synthetic.Chain, error) {
	if opts.problem != "" {
		return synthetic.LoadChain(opts.problem)
	}
	return synthetic.Generate(opts.edges, opts.seed), nil
}

func create(dir, name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func runRun(cmd *cobra.Command, opts *runOptions) error {
	params := opts.params
	params.Normalize()

	chain, err := loadChain(opts)
	if err != nil {
		return err
	}

	out := params.OutputDir
	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	trajectory, closeTrajectory, err := diagnostics.NewTrajectoryLog(filepath.Join(out, diagnostics.TrajectoryFile))
	if err != nil {
		return fmt.Errorf("open trajectory log: %w", err)
	}
	defer closeTrajectory()

	level, _ := cmd.Flags().GetString("log-level")
	console := logging.NewZapLogger(logging.New(logging.ParseLevel(level), cmd.ErrOrStderr()).WithFormat(logging.TextFormat))
	logger := diagnostics.Tee(trajectory, console)

	energy, err := create(out, EnergyFile)
	if err != nil {
		return err
	}
	defer energy.Close()
	gradient, err := create(out, GradientFile)
	if err != nil {
		return err
	}
	defer gradient.Close()

	problem, err := synthetic.NewProblem(chain,
		synthetic.WithLogger(logger),
		synthetic.WithSeriesSinks(synthetic.SeriesSinks{Energy: energy, Gradient: gradient}))
	if err != nil {
		return err
	}
	initialCuts := cutIndices(problem.Edges())

	var (
		st    *store.Store
		runID string
	)
	if opts.db != "" {
		if st, err = store.Open(opts.db); err != nil {
			return err
		}
		defer st.Close()
		rec, err := st.CreateRun(chain.Name, params)
		if err != nil {
			return err
		}
		runID = rec.ID
		if err := st.Start(runID); err != nil {
			return err
		}
		logger = logger.With(zap.String("run_id", runID))
	}

	timer := diagnostics.NewTimer()
	hooks := controller.Hooks{}
	if st != nil {
		hooks.OnStationary = func(p controller.Progress) {
			if err := st.Progress(runID, p.Iteration, p.TopoEdits, p.Lambda, p.Measure); err != nil {
				logger.Warn("recording progress failed", zap.Error(err))
			}
		}
		hooks.OnCheckpoint = func(cp optimization.Checkpoint) {
			data, err := synthetic.MarshalSnapshot(cp.Snapshot)
			if err == nil {
				err = st.SaveCheckpoint(store.Checkpoint{RunID: runID, Iteration: cp.Iteration, SeamEnergy: cp.SeamEnergy, Snapshot: data})
			}
			if err != nil {
				logger.Warn("saving checkpoint failed", zap.Error(err))
			}
		}
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := controller.New(problem, controller.Options{
		Params: params,
		Logger: logger,
		Timer:  timer,
		Hooks:  hooks,
	}).Run(ctx)

	if st != nil {
		var err error
		if res == nil {
			err = st.Fail(runID, runErr)
		} else {
			err = st.Finish(runID, res)
		}
		if err != nil {
			logger.Warn("recording run result failed", zap.Error(err))
		}
	}
	if res == nil {
		return runErr
	}

	if res.Best != nil {
		if err := synthetic.SaveSnapshot(filepath.Join(out, CheckpointFile), res.Best.Snapshot); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
	}
	info := newInfo(chain, problem, params, res, timer, initialCuts)
	info.RunID = runID
	if err := info.Save(filepath.Join(out, InfoFile)); err != nil {
		return fmt.Errorf("write info: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s after %d iterations (%d edits), distortion %.6g, seam %.6g, lambda %.6g\n",
		chain.Name, res.Outcome, res.Iterations, res.TopoEdits,
		res.Final.DistortionEnergy, res.Final.SeamEnergy, res.Lambda)
	return runErr
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func cutIndices(edges []synthetic.Edge) []int {
	var out []int
	for i, e := range edges {
		if e.Cut {
			out = append(out, i)
		}
	}
	return out
}
