package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/seamopt/internal/config"
	"github.com/copyleftdev/seamopt/internal/diagnostics"
	"github.com/copyleftdev/seamopt/internal/logging"
	"github.com/copyleftdev/seamopt/internal/metrics"
	"github.com/copyleftdev/seamopt/internal/optimization"
	"github.com/copyleftdev/seamopt/internal/optimization/controller"
	"github.com/copyleftdev/seamopt/internal/optimization/synthetic"
	"github.com/copyleftdev/seamopt/internal/store"
)

// defaultEdges sizes generated chains when a request names neither a chain nor
// a size.
const defaultEdges = 32

var (
	errNotFound   = stderrors.New("run not found")
	errTerminated = stderrors.New("run already terminated")
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// RunState tracks one run. Fields are guarded by the server's run mutex.
type RunState struct {
	ID          string
	Problem     string
	Status      store.Status
	Params      config.Optimization
	StartTime   time.Time
	EndTime     *time.Time
	Progress    controller.Progress
	Result      *optimization.Result
	Error       string
	CancelFunc  context.CancelFunc
	LastUpdated time.Time

	done chan struct{}
}

func (st *RunState) terminal() bool {
	switch st.Status {
	case store.StatusFinished, store.StatusFailed, store.StatusCancelled:
		return true
	}
	return false
}

// RunStatus is the wire view of a run.
type RunStatus struct {
	ID             string                      `json:"run_id"`
	Problem        string                      `json:"problem"`
	Status         store.Status                `json:"status"`
	Params         config.Optimization         `json:"params"`
	Iteration      int                         `json:"iteration"`
	TopoEdits      int                         `json:"topo_edits"`
	Lambda         float64                     `json:"lambda"`
	Measure        *optimization.EnergyMeasure `json:"measure,omitempty"`
	Outcome        optimization.Outcome        `json:"outcome,omitempty"`
	BestSeamEnergy *float64                    `json:"best_seam_energy,omitempty"`
	Error          string                      `json:"error,omitempty"`
	StartTime      time.Time                   `json:"start_time"`
	EndTime        *time.Time                  `json:"end_time,omitempty"`
	LastUpdated    time.Time                   `json:"last_update"`
}

// StartRequest starts a run on a synthetic chain. Either Chain or Edges/Seed
// selects the problem; unset overrides keep the configured defaults.
type StartRequest struct {
	Chain             *synthetic.Chain `json:"chain,omitempty"`
	Edges             int              `json:"edges,omitempty"`
	Seed              int64            `json:"seed,omitempty"`
	Lambda            *float64         `json:"lambda,omitempty"`
	Bound             *float64         `json:"bound,omitempty"`
	Bijective         *bool            `json:"bijective,omitempty"`
	MaxIterations     *int             `json:"max_iterations,omitempty"`
	FractureThreshold *float64         `json:"fracture_threshold,omitempty"`
}

func (req StartRequest) params(defaults config.Optimization) config.Optimization {
	p := defaults
	if req.Lambda != nil {
		p.LambdaInit = *req.Lambda
	}
	if req.Bound != nil {
		p.UpperBound = *req.Bound
	}
	if req.Bijective != nil {
		p.Bijective = *req.Bijective
	}
	if req.MaxIterations != nil {
		p.MaxIterations = *req.MaxIterations
	}
	if req.FractureThreshold != nil {
		p.FractureThreshold = *req.FractureThreshold
	}
	p.Normalize()
	return p
}

func (req StartRequest) chain() *synthetic.Chain {
	if req.Chain != nil {
		return req.Chain
	}
	n := req.Edges
	if n <= 0 {
		n = defaultEdges
	}
	return synthetic.Generate(n, req.Seed)
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists runs and checkpoints.
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithRecorder publishes per-run metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = r }
}

// Server implements the HTTP and JSON-RPC run service. Each run executes on its
// own goroutine with its own controller; at most WorkerCount run at once.
type Server struct {
	cfg     *config.Config
	logger  Logger
	store   *store.Store
	metrics *metrics.Recorder

	runs   map[string]*RunState
	runsMu sync.RWMutex // Protects runs and every RunState in it

	slots  chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	workers := cfg.Optimization.WorkerCount
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		runs:   make(map[string]*RunState),
		slots:  make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleStart)
		r.Get("/runs", s.handleList)
		r.Get("/runs/{id}", s.handleStatus)
		r.Delete("/runs/{id}", s.handleDelete)
		r.Get("/runs/{id}/checkpoint", s.handleCheckpoint)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// StartRun registers a run and starts it in the background.
func (s *Server) StartRun(req StartRequest) (RunStatus, error) {
	chain := req.chain()
	if err := chain.Validate(); err != nil {
		return RunStatus{}, err
	}
	params := req.params(s.cfg.Optimization)

	id := ""
	if s.store != nil {
		rec, err := s.store.CreateRun(chain.Name, params)
		if err != nil {
			return RunStatus{}, err
		}
		id = rec.ID
	} else {
		id = uuid.New().String()
	}

	runLogger := s.logger.WithFields(map[string]interface{}{"run_id": id})
	problem, err := synthetic.NewProblem(chain, synthetic.WithLogger(logging.NewZapLogger(runLogger)))
	if err != nil {
		if s.store != nil {
			_ = s.store.Fail(id, err)
		}
		return RunStatus{}, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	now := time.Now()
	state := &RunState{
		ID:          id,
		Problem:     chain.Name,
		Status:      store.StatusPending,
		Params:      params,
		StartTime:   now,
		CancelFunc:  cancel,
		LastUpdated: now,
		done:        make(chan struct{}),
	}

	s.runsMu.Lock()
	s.runs[id] = state
	s.runsMu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, state, problem, runLogger)

	s.logger.Info("Run started", map[string]interface{}{
		"run_id":  id,
		"problem": chain.Name,
		"edges":   len(chain.Edges),
	})
	return s.status(id)
}

// execute runs the controller once a worker slot is free.
func (s *Server) execute(ctx context.Context, state *RunState, problem *synthetic.Problem, logger *logging.Logger) {
	defer s.wg.Done()
	defer close(state.done)
	defer state.CancelFunc()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.complete(state, &optimization.Result{Outcome: optimization.OutcomeInterrupted}, nil)
		return
	}

	s.runsMu.Lock()
	state.Status = store.StatusRunning
	state.LastUpdated = time.Now()
	s.runsMu.Unlock()
	if s.store != nil {
		if err := s.store.Start(state.ID); err != nil {
			logger.Warn("Recording run start failed", map[string]interface{}{"error": err.Error()})
		}
	}

	var rm *metrics.RunMetrics
	if s.metrics != nil {
		rm = s.metrics.Run(state.ID)
	}
	c := controller.New(problem, controller.Options{
		Params:  state.Params,
		Logger:  logging.NewZapLogger(logger).With(zap.String("problem", state.Problem)),
		Metrics: rm,
		Timer:   diagnostics.NewTimer(),
		Hooks: controller.Hooks{
			OnStationary: func(p controller.Progress) { s.progress(state, p, logger) },
			OnCheckpoint: func(cp optimization.Checkpoint) { s.checkpoint(state, cp, logger) },
		},
	})

	res, err := c.Run(ctx)
	s.complete(state, res, err)
}

func (s *Server) progress(state *RunState, p controller.Progress, logger *logging.Logger) {
	s.runsMu.Lock()
	state.Progress = p
	state.LastUpdated = time.Now()
	s.runsMu.Unlock()

	if s.store != nil {
		if err := s.store.Progress(state.ID, p.Iteration, p.TopoEdits, p.Lambda, p.Measure); err != nil {
			logger.Warn("Recording progress failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (s *Server) checkpoint(state *RunState, cp optimization.Checkpoint, logger *logging.Logger) {
	if s.store == nil {
		return
	}
	data, err := synthetic.MarshalSnapshot(cp.Snapshot)
	if err == nil {
		err = s.store.SaveCheckpoint(store.Checkpoint{
			RunID:      state.ID,
			Iteration:  cp.Iteration,
			SeamEnergy: cp.SeamEnergy,
			Snapshot:   data,
		})
	}
	if err != nil {
		logger.Warn("Saving checkpoint failed", map[string]interface{}{
			"iteration": cp.Iteration,
			"error":     err.Error(),
		})
	}
}

// complete records the terminal state. A run that was interrupted still
// returns its partial result together with the context error.
func (s *Server) complete(state *RunState, res *optimization.Result, runErr error) {
	s.runsMu.Lock()
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	state.Result = res
	switch {
	case res != nil && res.Outcome == optimization.OutcomeInterrupted:
		state.Status = store.StatusCancelled
	case runErr != nil:
		state.Status = store.StatusFailed
		state.Error = runErr.Error()
	default:
		state.Status = store.StatusFinished
	}
	status := state.Status
	s.runsMu.Unlock()

	fields := map[string]interface{}{"run_id": state.ID, "status": string(status)}
	if res != nil {
		fields["outcome"] = string(res.Outcome)
		fields["iterations"] = res.Iterations
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
	}
	if status == store.StatusFailed {
		s.logger.Error("Run failed", fields)
	} else {
		s.logger.Info("Run completed", fields)
	}

	if s.store == nil {
		return
	}
	var err error
	if status == store.StatusFailed {
		err = s.store.Fail(state.ID, runErr)
	} else {
		err = s.store.Finish(state.ID, res)
	}
	if err != nil {
		s.logger.Warn("Recording run result failed", map[string]interface{}{"run_id": state.ID, "error": err.Error()})
	}
}

// Status returns the live or stored status of a run.
func (s *Server) status(id string) (RunStatus, error) {
	s.runsMu.RLock()
	state, ok := s.runs[id]
	if ok {
		st := statusOf(state)
		s.runsMu.RUnlock()
		return st, nil
	}
	s.runsMu.RUnlock()

	if s.store == nil {
		return RunStatus{}, errNotFound
	}
	rec, err := s.store.GetRun(id)
	if stderrors.Is(err, store.ErrNotFound) {
		return RunStatus{}, errNotFound
	}
	if err != nil {
		return RunStatus{}, err
	}
	return storedStatus(rec), nil
}

func statusOf(state *RunState) RunStatus {
	st := RunStatus{
		ID:          state.ID,
		Problem:     state.Problem,
		Status:      state.Status,
		Params:      state.Params,
		Iteration:   state.Progress.Iteration,
		TopoEdits:   state.Progress.TopoEdits,
		Lambda:      state.Progress.Lambda,
		Error:       state.Error,
		StartTime:   state.StartTime,
		EndTime:     state.EndTime,
		LastUpdated: state.LastUpdated,
	}
	if state.Progress.Measure != (optimization.EnergyMeasure{}) {
		m := state.Progress.Measure
		st.Measure = &m
	}
	if res := state.Result; res != nil {
		st.Outcome = res.Outcome
		st.Iteration = res.Iterations
		st.TopoEdits = res.TopoEdits
		if res.Final != (optimization.EnergyMeasure{}) {
			st.Lambda = res.Lambda
			m := res.Final
			st.Measure = &m
		}
		if res.Best != nil {
			v := res.Best.SeamEnergy
			st.BestSeamEnergy = &v
		}
	}
	return st
}

func storedStatus(rec store.Run) RunStatus {
	return RunStatus{
		ID:        rec.ID,
		Problem:   rec.Problem,
		Status:    rec.Status,
		Params:    rec.Params,
		Iteration: rec.Iterations,
		TopoEdits: rec.TopoEdits,
		Lambda:    rec.Lambda,
		Measure: &optimization.EnergyMeasure{
			DistortionEnergy: rec.Distortion,
			SeamEnergy:       rec.SeamEnergy,
			BoundMeasure:     rec.Distortion,
		},
		Outcome:        optimization.Outcome(rec.Outcome),
		BestSeamEnergy: rec.BestSeamEnergy,
		Error:          rec.Error,
		StartTime:      rec.CreatedAt,
		LastUpdated:    rec.UpdatedAt,
	}
}

// CancelRun asks a pending or running run to stop after its current outer
// iteration.
func (s *Server) CancelRun(id string) error {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	state, ok := s.runs[id]
	if !ok {
		return errNotFound
	}
	if state.terminal() {
		return fmt.Errorf("%w: %s", errTerminated, state.Status)
	}
	state.CancelFunc()

	s.logger.Info("Run cancellation requested", map[string]interface{}{"run_id": id})
	return nil
}

// removeRun forgets a terminated run everywhere.
func (s *Server) removeRun(id string) error {
	s.runsMu.Lock()
	state, ok := s.runs[id]
	if ok && !state.terminal() {
		s.runsMu.Unlock()
		return fmt.Errorf("run %s is still %s", id, state.Status)
	}
	delete(s.runs, id)
	s.runsMu.Unlock()

	if s.metrics != nil {
		s.metrics.Forget(id)
	}
	if s.store != nil {
		err := s.store.DeleteRun(id)
		switch {
		case err == nil:
			return nil
		case stderrors.Is(err, store.ErrNotFound):
			if ok {
				return nil
			}
			return errNotFound
		default:
			return err
		}
	}
	if !ok {
		return errNotFound
	}
	return nil
}

// Wait blocks until the run has terminated or ctx is done.
func (s *Server) Wait(ctx context.Context, id string) error {
	s.runsMu.RLock()
	state, ok := s.runs[id]
	s.runsMu.RUnlock()
	if !ok {
		return errNotFound
	}
	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all runs and waits for their goroutines.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "run.start":
		var req StartRequest
		if len(request.Params) > 0 {
			if err := json.Unmarshal(request.Params[0], &req); err != nil {
				s.respondWithError(w, -32602, "Invalid params", request.ID)
				return
			}
		}
		result, err = s.StartRun(req)
	case "run.status", "run.cancel":
		id, ok := runID(request.Params)
		if !ok {
			s.respondWithError(w, -32602, "Invalid params: run_id is required", request.ID)
			return
		}
		if request.Method == "run.status" {
			result, err = s.status(id)
		} else if err = s.CancelRun(id); err == nil {
			result = map[string]string{"status": "cancellation requested"}
		}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, -32000, err.Error(), request.ID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

func runID(params []json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(params[0], &p); err != nil || p.RunID == "" {
		return "", false
	}
	return p.RunID, true
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errNotFound):
		code = http.StatusNotFound
	case stderrors.Is(err, errTerminated):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// handleStart handles POST /api/v1/runs
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid request body: %v", err)})
			return
		}
	}

	st, err := s.StartRun(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// handleList handles GET /api/v1/runs
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		runs, err := s.store.ListRuns(0)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]RunStatus, 0, len(runs))
		for _, rec := range runs {
			if st, err := s.status(rec.ID); err == nil {
				out = append(out, st)
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	s.runsMu.RLock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, state := range s.runs {
		out = append(out, statusOf(state))
	}
	s.runsMu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

// handleStatus handles GET /api/v1/runs/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDelete handles DELETE /api/v1/runs/{id}. A live run is cancelled; a
// terminated one is removed.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.CancelRun(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
		return
	case stderrors.Is(err, errTerminated), stderrors.Is(err, errNotFound):
		if err := s.removeRun(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, err)
	}
}

// handleCheckpoint handles GET /api/v1/runs/{id}/checkpoint and serves the
// best feasible snapshot as YAML.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, errNotFound)
		return
	}
	cp, err := s.store.LatestCheckpoint(chi.URLParam(r, "id"))
	if stderrors.Is(err, store.ErrNotFound) {
		writeError(w, errNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("X-Checkpoint-Iteration", fmt.Sprint(cp.Iteration))
	w.WriteHeader(http.StatusOK)
	w.Write(cp.Snapshot)
}
