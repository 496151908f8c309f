package config

import (
	"math"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	// DefaultLambda is the initial seam weight used when none or an invalid one is given.
	DefaultLambda = 0.999
	// DefaultUpperBound replaces distortion bounds at or below the rigid minimum of 4.
	DefaultUpperBound = 4.1
	// MinDistortion is the distortion energy of an isometric parameterization.
	MinDistortion = 4.0
)

// Optimization holds the scheduling controller parameters.
type Optimization struct {
	LambdaInit        float64 `env:"OPT_LAMBDA_INIT" envDefault:"0.999" yaml:"lambda_init" json:"lambda_init"`
	UpperBound        float64 `env:"OPT_UPPER_BOUND" envDefault:"4.1" yaml:"upper_bound" json:"upper_bound"`
	ConvTolerance     float64 `env:"OPT_CONV_TOLERANCE" envDefault:"0.001" yaml:"conv_tolerance" json:"conv_tolerance"`
	StepBudget        int     `env:"OPT_STEP_BUDGET" envDefault:"1" yaml:"step_budget" json:"step_budget"`
	MaxIterations     int     `env:"OPT_MAX_ITERATIONS" envDefault:"2000" yaml:"max_iterations" json:"max_iterations"`
	FilterExponent    float64 `env:"OPT_FILTER_EXPONENT" envDefault:"0.6" yaml:"filter_exponent" json:"filter_exponent"`
	FractureThreshold float64 `env:"OPT_FRACTURE_THRESHOLD" envDefault:"0" yaml:"fracture_threshold" json:"fracture_threshold"`
	Bijective         bool    `env:"OPT_BIJECTIVE" envDefault:"true" yaml:"bijective" json:"bijective"`
	OutputDir         string  `env:"OPT_OUTPUT_DIR" envDefault:"output" yaml:"output_dir" json:"output_dir"`
	WorkerCount       int     `env:"OPT_WORKER_COUNT" envDefault:"4" yaml:"worker_count" json:"worker_count"`
}

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Database struct {
		Type     string `env:"DB_TYPE" envDefault:"sqlite"`
		DSN      string `env:"DB_DSN"`
		MaxConns int    `env:"DB_MAX_CONNS" envDefault:"1"`
	}
	Optimization Optimization
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if cfg.Database.DSN == "" && cfg.Database.Type == "sqlite" {
		if err := os.MkdirAll("data", 0755); err != nil {
			return nil, err
		}
		cfg.Database.DSN = "data/seamopt.db"
	}

	cfg.Optimization.Normalize()
	return cfg, nil
}

// Normalize replaces out-of-range parameters with their defaults.
func (o *Optimization) Normalize() {
	if math.IsNaN(o.LambdaInit) || o.LambdaInit < 0 || o.LambdaInit >= 1 {
		o.LambdaInit = DefaultLambda
	}
	if math.IsNaN(o.UpperBound) || o.UpperBound <= MinDistortion {
		o.UpperBound = DefaultUpperBound
	}
	if o.ConvTolerance <= 0 {
		o.ConvTolerance = 1e-3
	}
	if o.StepBudget < 1 {
		o.StepBudget = 1
	}
	if o.MaxIterations < 1 {
		o.MaxIterations = 2000
	}
	if o.FilterExponent <= 0 || o.FilterExponent > 1 {
		o.FilterExponent = 0.6
	}
	if o.WorkerCount < 1 {
		o.WorkerCount = 1
	}
}
