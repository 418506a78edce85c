// Package gateway exposes the engine over HTTP: a small REST API for
// submitting and inspecting tasks, a usage endpoint backed by the
// ledger, and a WebSocket event stream bridged from the bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/basket/visionforge/internal/bus"
	"github.com/basket/visionforge/internal/engine"
	"github.com/basket/visionforge/internal/persistence"
)

type Config struct {
	Engine *engine.Engine
	Store  *persistence.Store
	Bus    *bus.Bus

	// AuthToken, when set, requires a matching bearer token on every
	// endpoint except /healthz. Empty means no auth (local use).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in
	// /healthz for drift checks.
	ConfigFingerprint string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	// REST API endpoints.
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/batch", s.handleAPITaskBatch)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)
	mux.HandleFunc("/api/queue/stats", s.handleAPIQueueStats)
	mux.HandleFunc("/api/usage", s.handleAPIUsage)
	mux.HandleFunc("/api/kinds", s.handleAPIKinds)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.AllTimeSummary(ctx); err != nil {
		dbOK = false
	}
	st := s.cfg.Engine.Status()

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"worker_count":       st.WorkerCount,
		"active_tasks":       st.ActiveTasks,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	st := s.cfg.Engine.Status()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"queued_tasks":  st.Queue.Queued,
		"running_tasks": st.Queue.Running,
		"done_tasks":    st.Queue.Done,
		"errored_tasks": st.Queue.Errored,
		"active_tasks":  st.ActiveTasks,
		"worker_count":  st.WorkerCount,
		"alloc_bytes":   mem.Alloc,
	}
	if st.LastError != "" {
		payload["last_error"] = st.LastError
	}
	if totals, err := s.cfg.Store.AllTimeSummary(ctx); err == nil {
		payload["llm_calls_total"] = totals.Calls
		payload["llm_tokens_total"] = totals.TotalTokens
		payload["llm_cost_usd_total"] = totals.CostUSD
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

type submitRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	task, err := s.cfg.Engine.Submit(r.Context(), req.Kind, req.Payload)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	s.logger.Info("task accepted", "task_id", task.ID, "kind", task.Kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(task)
}

type batchRequest struct {
	Items []engine.BatchItem `json:"items"`
}

func (s *Server) handleAPITaskBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	tasks, err := s.cfg.Engine.SubmitBatch(r.Context(), req.Items)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	runID := ""
	if len(tasks) > 0 {
		runID = tasks[0].RunID
	}
	s.logger.Info("batch accepted", "run_id", runID, "tasks", len(tasks))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"run_id": runID, "tasks": tasks})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrQueueSaturated):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, engine.ErrUnknownKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}
	task, err := s.cfg.Engine.GetStatus(taskID)
	if err != nil {
		if errors.Is(err, engine.ErrTaskNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleAPIQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.Engine.Status())
}

func (s *Server) handleAPIUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	allTime, err := s.cfg.Store.AllTimeSummary(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	byModel, err := s.cfg.Store.ByModelSummary(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	daily, err := s.cfg.Store.DailySummary(ctx, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"all_time": allTime,
		"by_model": byModel,
		"today":    daily,
	})
}

func (s *Server) handleAPIKinds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"kinds": s.cfg.Engine.Kinds()})
}
