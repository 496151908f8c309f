package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/seamopt/internal/config"
	"github.com/copyleftdev/seamopt/internal/logging"
	"github.com/copyleftdev/seamopt/internal/metrics"
	"github.com/copyleftdev/seamopt/internal/store"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	// Set up HTTP config
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	// Set up logging
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	// Set up database
	cfg.Database.Type = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "runs.db")
	cfg.Database.MaxConns = 1

	// Set up optimization
	cfg.Optimization = config.Optimization{
		LambdaInit:    0.5,
		UpperBound:    4.2,
		MaxIterations: 300,
		Bijective:     true,
		WorkerCount:   2,
	}
	cfg.Optimization.Normalize()

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, closeLog, err := logging.NewLogger(&logging.Config{
		Level:  "warn",
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	t.Cleanup(func() { _ = closeLog() })
	return logger
}

// testServer wires a server with a temporary store and a private registry.
func testServer(t *testing.T, mutate ...func(*config.Config)) (*Server, chi.Router) {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	st, err := store.Open(cfg.Database.DSN)
	require.NoError(t, err)

	srv := NewServer(cfg, testLogger(t),
		WithStore(st),
		WithRecorder(metrics.NewRecorder(prometheus.NewRegistry())))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func rpc(t *testing.T, r http.Handler, method string, params ...interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	rr := do(t, r, http.MethodPost, "/rpc", string(body))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func wait(t *testing.T, srv *Server, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, srv.Wait(ctx, id))
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NotNil(t, srv, "Server should be created")
	assert.Equal(t, 2, cap(srv.slots))
}

func TestRegisterRoutes(t *testing.T) {
	_, r := testServer(t)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"GET", "/api/v1/runs", true},
		{"GET", "/api/v1/runs/123", true},
		{"DELETE", "/api/v1/runs/123", true},
		{"GET", "/api/v1/runs/123/checkpoint", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // registered by cmd/server
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := do(t, r, tt.method, tt.path, "")
			routed := rr.Code != http.StatusNotFound || strings.Contains(rr.Body.String(), "run not found")
			assert.Equal(t, tt.shouldExist, routed, "status %d", rr.Code)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	srv, r := testServer(t)

	rr := do(t, r, http.MethodPost, "/api/v1/runs", `{"edges": 8, "seed": 3}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var started RunStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&started))
	require.NotEmpty(t, started.ID)
	assert.Equal(t, "chain-8-3", started.Problem)
	assert.Equal(t, 4.2, started.Params.UpperBound)

	wait(t, srv, started.ID)

	rr = do(t, r, http.MethodGet, "/api/v1/runs/"+started.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st RunStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.Equal(t, store.StatusFinished, st.Status)
	assert.NotEmpty(t, st.Outcome)
	require.NotNil(t, st.Measure)
	require.NotNil(t, st.BestSeamEnergy)
	assert.LessOrEqual(t, st.Measure.BoundMeasure, 4.2+1e-6)

	rec, err := srv.store.GetRun(started.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, rec.Status)
	assert.Equal(t, string(st.Outcome), rec.Outcome)

	rr = do(t, r, http.MethodGet, "/api/v1/runs/"+started.ID+"/checkpoint", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "chain: chain-8-3")

	rr = do(t, r, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []RunStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, started.ID, list[0].ID)

	// deleting a terminated run removes it
	rr = do(t, r, http.MethodDelete, "/api/v1/runs/"+started.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, r, http.MethodGet, "/api/v1/runs/"+started.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStartRejectsInvalidChain(t *testing.T) {
	_, r := testServer(t)

	rr := do(t, r, http.MethodPost, "/api/v1/runs", `{"chain": {"name": "bad", "edges": [{"length": 1}]}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, r, http.MethodPost, "/api/v1/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelPendingRun(t *testing.T) {
	srv, r := testServer(t, func(c *config.Config) { c.Optimization.WorkerCount = 1 })

	// occupy the only worker slot so the run stays pending
	srv.slots <- struct{}{}

	rr := do(t, r, http.MethodPost, "/api/v1/runs", `{"edges": 6, "seed": 1}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var started RunStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&started))
	assert.Equal(t, store.StatusPending, started.Status)

	rr = do(t, r, http.MethodDelete, "/api/v1/runs/"+started.ID, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	wait(t, srv, started.ID)
	<-srv.slots

	st, err := srv.status(started.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, st.Status)

	// a second cancel conflicts with the terminal state
	assert.ErrorIs(t, srv.CancelRun(started.ID), errTerminated)
}

func TestJSONRPC(t *testing.T) {
	srv, r := testServer(t)

	resp := rpc(t, r, "run.start", map[string]interface{}{"edges": 6, "seed": 5, "bijective": false})
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]interface{})
	id := result["run_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, false, result["params"].(map[string]interface{})["bijective"])

	wait(t, srv, id)

	resp = rpc(t, r, "run.status", map[string]interface{}{"run_id": id})
	require.Nil(t, resp["error"])
	assert.Equal(t, "finished", resp["result"].(map[string]interface{})["status"])

	resp = rpc(t, r, "run.cancel", map[string]interface{}{"run_id": id})
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Contains(t, errObj["message"], "already terminated")

	resp = rpc(t, r, "run.status")
	assert.Equal(t, float64(-32602), resp["error"].(map[string]interface{})["code"])

	resp = rpc(t, r, "run.status", map[string]interface{}{"run_id": "missing"})
	assert.Equal(t, "run not found", resp["error"].(map[string]interface{})["message"])

	resp = rpc(t, r, "run.unknown")
	assert.Equal(t, float64(-32601), resp["error"].(map[string]interface{})["code"])

	rr := do(t, r, http.MethodPost, "/rpc", `{"jsonrpc": "1.0", "id": 7, "method": "run.status"}`)
	var bad map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&bad))
	assert.Equal(t, float64(-32600), bad["error"].(map[string]interface{})["code"])

	rr = do(t, r, http.MethodPost, "/rpc", `{broken`)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&bad))
	assert.Equal(t, float64(-32700), bad["error"].(map[string]interface{})["code"])
}

func TestServerWithoutStore(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	defer srv.Close()
	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	st, err := srv.StartRun(StartRequest{Edges: 5, Seed: 2})
	require.NoError(t, err)
	wait(t, srv, st.ID)

	rr := do(t, r, http.MethodGet, "/api/v1/runs/"+st.ID+"/checkpoint", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, r, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []RunStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	err := srv.Close()
	assert.NoError(t, err, "Close should not return an error")
}

func TestRespondWithError(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{name: "valid error response", code: -32602, message: "invalid input", id: "123", expectedID: "123"},
		{name: "nil id", code: -32000, message: "server error", id: nil, expectedID: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			// errors travel in the body with a 200
			assert.Equal(t, http.StatusOK, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&response))

			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}
