package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"hybrid-llm-gateway/internal/database"
	"hybrid-llm-gateway/internal/logx"
	"hybrid-llm-gateway/internal/models"
	"hybrid-llm-gateway/internal/ratelimit"
	"hybrid-llm-gateway/internal/scheduler"
	"hybrid-llm-gateway/internal/websocket"
)

// ProviderSet reports which provider keys can serve generation calls.
type ProviderSet interface {
	Supports(provider string) bool
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Server holds all HTTP handlers and dependencies
type Server struct {
	db          *database.DB
	sched       *scheduler.Scheduler
	providers   ProviderSet
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	upgrader    ws.Upgrader
	log         logx.Logger
}

// NewServer creates a new API server. rateLimiter may be nil to disable limiting.
func NewServer(db *database.DB, sched *scheduler.Scheduler, providers ProviderSet,
	rateLimiter *ratelimit.RateLimiter, wsManager *websocket.Manager, log logx.Logger) *Server {
	return &Server{
		db:          db,
		sched:       sched,
		providers:   providers,
		rateLimiter: rateLimiter,
		wsManager:   wsManager,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With(logx.String("comp", "api")),
	}
}

// SubmitRequest admits a generation request. Realtime requests block until
// the model answers; task requests are queued and acknowledged with 202.
func (s *Server) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.RequestType.Valid() {
		writeError(w, http.StatusBadRequest, "request_type must be 'realtime' or 'task'")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	mc, err := s.db.GetModelConfig(r.Context(), req.ModelConfigID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !mc.IsActive) {
		writeError(w, http.StatusNotFound, "Model config not found or inactive")
		return
	}
	if err != nil {
		s.log.Error("api.model_lookup_failed", logx.Int64("model_config_id", req.ModelConfigID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:            uuid.NewString(),
		Type:          req.RequestType,
		ModelConfigID: mc.ID,
		Model:         *mc,
		Prompt:        req.Prompt,
		Params:        req.Params,
		Status:        models.StatusPending,
		ClientIP:      clientIP(r),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.InsertJob(r.Context(), job); err != nil {
		s.log.Error("api.insert_failed", logx.String("job_id", job.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to create request")
		return
	}

	log := s.log.With(logx.String("job_id", job.ID), logx.String("type", string(job.Type)))
	log.Info("api.request.submit", logx.Int64("model_config_id", mc.ID), logx.String("client_ip", job.ClientIP))

	if job.Type == models.Task {
		if err := s.sched.SubmitTask(job); err != nil {
			log.Error("api.enqueue_failed", logx.Err(err))
			s.markNotAdmitted(job, err)
			writeError(w, http.StatusServiceUnavailable, "Scheduler is not accepting requests")
			return
		}
		s.broadcast()
		writeJSON(w, http.StatusAccepted, models.SubmitResponse{
			RequestID: job.ID,
			Status:    models.StatusPending,
			Message:   "Request added to queue",
		})
		return
	}

	s.broadcast()
	out, err := s.sched.ExecuteRealtime(r.Context(), job)
	s.broadcast()
	if err != nil {
		if notAdmitted(err) {
			s.markNotAdmitted(job, err)
		}
		code, msg := executionStatus(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, models.SubmitResponse{
		RequestID: job.ID,
		Status:    models.StatusCompleted,
		Message:   "Request completed",
		Response:  out,
	})
}

// notAdmitted reports whether the scheduler refused job before running it.
func notAdmitted(err error) bool {
	return errors.Is(err, scheduler.ErrStopped) || errors.Is(err, scheduler.ErrNotStarted)
}

// markNotAdmitted closes out the pending row of a job the scheduler never took.
func (s *Server) markNotAdmitted(job *models.Job, cause error) {
	now := time.Now().UTC()
	err := s.db.UpdateStatus(context.Background(), models.StatusUpdate{
		JobID:       job.ID,
		Status:      models.StatusFailed,
		Error:       cause.Error(),
		CompletedAt: &now,
	})
	if err != nil {
		s.log.Error("api.status_write_failed", logx.String("job_id", job.ID), logx.Err(err))
	}
}

// executionStatus maps a scheduler error to an HTTP status and message.
func executionStatus(err error) (int, string) {
	switch {
	case notAdmitted(err):
		return http.StatusServiceUnavailable, "Scheduler is not accepting requests"
	case errors.Is(err, scheduler.ErrExecutionTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, scheduler.ErrAdmissionRejected):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusBadGateway, err.Error()
	}
}

// GetRequestStatus returns one request by ID.
func (s *Server) GetRequestStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "request id is required")
		return
	}

	job, err := s.db.GetJobByID(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		s.log.Error("api.get_request_failed", logx.String("job_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListRequests returns request history, newest first.
func (s *Server) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	jobs, err := s.db.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.log.Error("api.list_requests_failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch requests")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// ---- model configs ----

// CreateModelConfig registers a new model.
func (s *Server) CreateModelConfig(w http.ResponseWriter, r *http.Request) {
	var in models.ModelConfigInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mc := models.ModelConfig{MaxTokens: 4096, Temperature: 0.7, IsActive: true}
	applyInput(&mc, in)
	if msg := s.validateModelConfig(mc); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.db.InsertModelConfig(r.Context(), &mc); err != nil {
		s.log.Error("api.create_model_failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to create model config")
		return
	}
	s.log.Info("api.model.create", logx.Int64("model_config_id", mc.ID), logx.String("provider", mc.Provider), logx.String("model", mc.ModelName))
	writeJSON(w, http.StatusCreated, mc)
}

// ListModelConfigs returns every model config.
func (s *Server) ListModelConfigs(w http.ResponseWriter, r *http.Request) {
	s.listModels(w, r, false)
}

// ListActiveModels returns only models that can serve requests.
func (s *Server) ListActiveModels(w http.ResponseWriter, r *http.Request) {
	s.listModels(w, r, true)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	list, err := s.db.ListModelConfigs(r.Context(), activeOnly, limit, offset)
	if err != nil {
		s.log.Error("api.list_models_failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch model configs")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetModelConfig returns one model config.
func (s *Server) GetModelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	mc, err := s.db.GetModelConfig(r.Context(), id)
	if s.modelLookupFailed(w, id, err) {
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

// UpdateModelConfig applies the fields present in the body.
func (s *Server) UpdateModelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	var in models.ModelConfigInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mc, err := s.db.GetModelConfig(r.Context(), id)
	if s.modelLookupFailed(w, id, err) {
		return
	}
	applyInput(mc, in)
	if msg := s.validateModelConfig(*mc); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.db.UpdateModelConfig(r.Context(), mc); s.modelLookupFailed(w, id, err) {
		return
	}
	s.log.Info("api.model.update", logx.Int64("model_config_id", id), logx.Bool("active", mc.IsActive))
	writeJSON(w, http.StatusOK, mc)
}

// DeleteModelConfig removes a model config.
func (s *Server) DeleteModelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteModelConfig(r.Context(), id); s.modelLookupFailed(w, id, err) {
		return
	}
	s.log.Info("api.model.delete", logx.Int64("model_config_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) modelLookupFailed(w http.ResponseWriter, id int64, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Model config not found")
	default:
		s.log.Error("api.model_store_failed", logx.Int64("model_config_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
	return true
}

func (s *Server) validateModelConfig(mc models.ModelConfig) string {
	switch {
	case mc.Provider == "":
		return "provider is required"
	case s.providers != nil && !s.providers.Supports(mc.Provider):
		return "unsupported provider: " + mc.Provider
	case strings.TrimSpace(mc.ModelName) == "":
		return "model_name is required"
	case mc.MaxTokens <= 0:
		return "max_tokens must be positive"
	case mc.Temperature < 0 || mc.Temperature > 2:
		return "temperature must be between 0 and 2"
	}
	return ""
}

func applyInput(mc *models.ModelConfig, in models.ModelConfigInput) {
	if in.Provider != nil {
		mc.Provider = strings.ToLower(strings.TrimSpace(*in.Provider))
	}
	if in.ModelName != nil {
		mc.ModelName = *in.ModelName
	}
	if in.APIKey != nil {
		mc.APIKey = *in.APIKey
	}
	if in.BaseURL != nil {
		mc.BaseURL = *in.BaseURL
	}
	if in.MaxTokens != nil {
		mc.MaxTokens = *in.MaxTokens
	}
	if in.Temperature != nil {
		mc.Temperature = *in.Temperature
	}
	if in.IsActive != nil {
		mc.IsActive = *in.IsActive
	}
}

// ---- admin ----

// GetStats returns the latest stats snapshot. Before the first aggregation
// it reports zeros with timestamp "N/A".
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.db.LatestSnapshot(r.Context())
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{
			"timestamp":                "N/A",
			"active_realtime_requests": 0,
			"active_task_requests":     0,
			"queue_length":             0,
			"task_cap":                 0,
			"avg_latency":              0.0,
			"throughput":               0.0,
		})
		return
	}
	if err != nil {
		s.log.Error("api.stats_failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetSchedulerState returns the scheduler's live counters.
func (s *Server) GetSchedulerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.State())
}

// GetRequestTotals returns request counts by class and outcome.
func (s *Server) GetRequestTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.db.GetTotals(r.Context())
	if err != nil {
		s.log.Error("api.totals_failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch totals")
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// Health pings the database.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Warn("api.health.db_unreachable", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "connected"})
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api.ws.upgrade_failed", logx.Err(err))
		return
	}
	s.wsManager.AddClient(conn)
}

func (s *Server) broadcast() {
	if s.wsManager != nil {
		go s.wsManager.Broadcast()
	}
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/requests", s.SubmitRequest)
	mux.HandleFunc("GET /api/requests", s.ListRequests)
	mux.HandleFunc("GET /api/requests/status", s.GetRequestStatus)
	mux.HandleFunc("GET /api/requests/{id}", s.GetRequestStatus)

	mux.HandleFunc("POST /api/models", s.CreateModelConfig)
	mux.HandleFunc("GET /api/models", s.ListModelConfigs)
	mux.HandleFunc("GET /api/models/{id}", s.GetModelConfig)
	mux.HandleFunc("PUT /api/models/{id}", s.UpdateModelConfig)
	mux.HandleFunc("DELETE /api/models/{id}", s.DeleteModelConfig)

	mux.HandleFunc("GET /api/admin/stats", s.GetStats)
	mux.HandleFunc("GET /api/admin/state", s.GetSchedulerState)
	mux.HandleFunc("GET /api/admin/requests/total", s.GetRequestTotals)
	mux.HandleFunc("GET /api/admin/models/active", s.ListActiveModels)

	mux.HandleFunc("GET /health", s.Health)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
}

// Handler returns the routed mux wrapped in the logging and rate limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return s.logRequests(s.limit(mux))
}

// ---- helpers ----

func modelID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid model config id")
		return 0, false
	}
	return id, true
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
