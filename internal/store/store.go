// Package store persists runs and their best-feasible checkpoints in SQLite.
package store

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/copyleftdev/seamopt/internal/config"
	"github.com/copyleftdev/seamopt/internal/optimization"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	problem          TEXT NOT NULL,
	status           TEXT NOT NULL,
	params           TEXT NOT NULL,
	outcome          TEXT,
	iterations       INTEGER NOT NULL DEFAULT 0,
	topo_edits       INTEGER NOT NULL DEFAULT 0,
	lambda           REAL,
	distortion       REAL,
	seam_energy      REAL,
	best_seam_energy REAL,
	error            TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	iteration   INTEGER NOT NULL,
	seam_energy REAL NOT NULL,
	snapshot    TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS checkpoints_run ON checkpoints(run_id, id);
`

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = stderrors.New("store: not found")

// Status of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is one stored run.
type Run struct {
	ID             string              `json:"id" yaml:"id"`
	Problem        string              `json:"problem" yaml:"problem"`
	Status         Status              `json:"status" yaml:"status"`
	Params         config.Optimization `json:"params" yaml:"params"`
	Outcome        string              `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Iterations     int                 `json:"iterations" yaml:"iterations"`
	TopoEdits      int                 `json:"topo_edits" yaml:"topo_edits"`
	Lambda         float64             `json:"lambda" yaml:"lambda"`
	Distortion     float64             `json:"distortion" yaml:"distortion"`
	SeamEnergy     float64             `json:"seam_energy" yaml:"seam_energy"`
	BestSeamEnergy *float64            `json:"best_seam_energy,omitempty" yaml:"best_seam_energy,omitempty"`
	Error          string              `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" yaml:"updated_at"`
}

// Checkpoint is a stored best-feasible configuration.
type Checkpoint struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Iteration  int       `json:"iteration" yaml:"iteration"`
	SeamEnergy float64   `json:"seam_energy" yaml:"seam_energy"`
	Snapshot   []byte    `json:"-" yaml:"-"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at dsn and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; runs report from their own goroutines
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// CreateRun inserts a pending run and returns it.
func (s *Store) CreateRun(problem string, params config.Optimization) (Run, error) {
	raw, err := yaml.Marshal(params)
	if err != nil {
		return Run{}, fmt.Errorf("marshal params: %w", err)
	}

	now := s.timestamp()
	run := Run{
		ID:      uuid.New().String(),
		Problem: problem,
		Status:  StatusPending,
		Params:  params,
	}
	run.CreatedAt, _ = time.Parse(timeLayout, now)
	run.UpdatedAt = run.CreatedAt

	_, err = s.db.Exec(
		`INSERT INTO runs (id, problem, status, params, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, problem, string(StatusPending), string(raw), now, now,
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Start marks a pending run as running.
func (s *Store) Start(id string) error {
	return s.update(id, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusRunning), s.timestamp(), id)
}

// Progress overwrites the live counters of a running run.
func (s *Store) Progress(id string, iteration, topoEdits int, lambda float64, m optimization.EnergyMeasure) error {
	return s.update(id,
		`UPDATE runs SET iterations = ?, topo_edits = ?, lambda = ?, distortion = ?, seam_energy = ?, updated_at = ?
		 WHERE id = ?`,
		iteration, topoEdits, lambda, m.DistortionEnergy, m.SeamEnergy, s.timestamp(), id)
}

// Finish records a run result. An interrupted outcome marks the run cancelled.
func (s *Store) Finish(id string, res *optimization.Result) error {
	status := StatusFinished
	if res.Outcome == optimization.OutcomeInterrupted {
		status = StatusCancelled
	}
	var best sql.NullFloat64
	if res.Best != nil {
		best = sql.NullFloat64{Float64: res.Best.SeamEnergy, Valid: true}
	}
	return s.update(id,
		`UPDATE runs SET status = ?, outcome = ?, iterations = ?, topo_edits = ?, lambda = ?, distortion = ?,
		 seam_energy = ?, best_seam_energy = ?, updated_at = ? WHERE id = ?`,
		string(status), string(res.Outcome), res.Iterations, res.TopoEdits, res.Lambda,
		res.Final.DistortionEnergy, res.Final.SeamEnergy, best, s.timestamp(), id)
}

// Fail marks a run failed with the error text.
func (s *Store) Fail(id string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.update(id, `UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), msg, s.timestamp(), id)
}

func (s *Store) update(id, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun reads one run.
func (s *Store) GetRun(id string) (Run, error) {
	row := s.db.QueryRow(
		`SELECT id, problem, status, params, outcome, iterations, topo_edits, lambda, distortion, seam_energy,
		        best_seam_energy, error, created_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, problem, status, params, outcome, iterations, topo_edits, lambda, distortion, seam_energy,
		        best_seam_energy, error, created_at, updated_at
		 FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run                            Run
		status, params                 string
		outcome, errText               sql.NullString
		lambda, distortion, seam, best sql.NullFloat64
		created, updated               string
	)
	err := row.Scan(&run.ID, &run.Problem, &status, &params, &outcome, &run.Iterations, &run.TopoEdits,
		&lambda, &distortion, &seam, &best, &errText, &created, &updated)
	if err != nil {
		return Run{}, err
	}
	if err := yaml.Unmarshal([]byte(params), &run.Params); err != nil {
		return Run{}, fmt.Errorf("unmarshal params: %w", err)
	}
	run.Status = Status(status)
	run.Outcome = outcome.String
	run.Error = errText.String
	run.Lambda = lambda.Float64
	run.Distortion = distortion.Float64
	run.SeamEnergy = seam.Float64
	if best.Valid {
		v := best.Float64
		run.BestSeamEnergy = &v
	}
	run.CreatedAt, _ = time.Parse(timeLayout, created)
	run.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return run, nil
}

// SaveCheckpoint appends a checkpoint for a run.
func (s *Store) SaveCheckpoint(cp Checkpoint) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (run_id, iteration, seam_energy, snapshot, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.Iteration, cp.SeamEnergy, string(cp.Snapshot), s.timestamp())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently saved checkpoint of a run. Since
// checkpoints only ever improve, it is also the best one.
func (s *Store) LatestCheckpoint(runID string) (Checkpoint, error) {
	var (
		cp       Checkpoint
		snapshot string
		created  string
	)
	err := s.db.QueryRow(
		`SELECT run_id, iteration, seam_energy, snapshot, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&cp.RunID, &cp.Iteration, &cp.SeamEnergy, &snapshot, &created)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("checkpoint for %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint for %s: %w", runID, err)
	}
	cp.Snapshot = []byte(snapshot)
	cp.CreatedAt, _ = time.Parse(timeLayout, created)
	return cp, nil
}

// DeleteRun removes a run and its checkpoints.
func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete checkpoints of %s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete run %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}
