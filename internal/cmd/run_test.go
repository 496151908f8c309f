package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/seamopt/internal/optimization"
	"github.com/copyleftdev/seamopt/internal/optimization/synthetic"
	"github.com/copyleftdev/seamopt/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func TestRunWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	db := filepath.Join(dir, "runs.db")

	stdout, err := execute(t, "run",
		"--edges", "10", "--seed", "4",
		"--lambda", "0.5", "--bound", "4.2",
		"--max-iterations", "300", "--bijective",
		"--output", out, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "chain-10-4")

	for _, name := range []string{"log.txt", EnergyFile, GradientFile, CheckpointFile, InfoFile} {
		st, err := os.Stat(filepath.Join(out, name))
		require.NoError(t, err, name)
		assert.Positive(t, st.Size(), name)
	}

	raw, err := os.ReadFile(filepath.Join(out, InfoFile))
	require.NoError(t, err)
	var info Info
	require.NoError(t, yaml.Unmarshal(raw, &info))
	assert.Equal(t, "chain-10-4", info.Problem)
	assert.Equal(t, 10, info.Edges)
	assert.Len(t, info.InitialCuts, 1)
	assert.NotEmpty(t, info.FinalCuts)
	assert.Equal(t, 0.5, info.LambdaInit)
	assert.Equal(t, 4.2, info.Params.UpperBound)
	assert.Contains(t, []optimization.Outcome{
		optimization.OutcomeConverged,
		optimization.OutcomeOscillated,
		optimization.OutcomeExhausted,
	}, info.Outcome)
	assert.LessOrEqual(t, info.Distortion, 4.2+1e-6)
	assert.NotEmpty(t, info.Timings)

	raw, err = os.ReadFile(filepath.Join(out, CheckpointFile))
	require.NoError(t, err)
	state, err := synthetic.UnmarshalSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, "chain-10-4", state.Chain)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusFinished, runs[0].Status)
	assert.Equal(t, info.Iterations, runs[0].Iterations)
	_, err = st.LatestCheckpoint(runs[0].ID)
	assert.NoError(t, err)
}

func TestRunLoadsProblemFile(t *testing.T) {
	dir := t.TempDir()
	problem := filepath.Join(dir, "chain.yaml")
	require.NoError(t, os.WriteFile(problem, []byte(`name: tiny
edges:
  - {length: 1, stress: 0.4, stiffness: 1, cut: true}
  - {length: 1, stress: 0.4, stiffness: 1}
  - {length: 2, stress: 0.2, stiffness: 3}
`), 0o644))

	stdout, err := execute(t, "run", "--problem", problem, "--bound", "4.05", "--output", filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "tiny:")
}

func TestRunRejectsInvalidProblem(t *testing.T) {
	dir := t.TempDir()
	problem := filepath.Join(dir, "chain.yaml")
	require.NoError(t, os.WriteFile(problem, []byte("name: bad\nedges:\n  - {length: 1, cut: true}\n"), 0o644))

	_, err := execute(t, "run", "--problem", problem, "--output", filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two edges")

	_, err = os.Stat(filepath.Join(dir, "out"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunMissingProblem(t *testing.T) {
	_, err := execute(t, "run", "--problem", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening chain")
}
