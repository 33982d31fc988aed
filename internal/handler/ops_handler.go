package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"pipeline-orchestrator/internal/circuitbreaker"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/repository"
	"pipeline-orchestrator/internal/service"
)

const maxDeadLetterLimit = 500

// OpsHandler serves operational endpoints over the pipeline service
type OpsHandler struct {
	service *service.PipelineService
	logger  *zap.Logger
}

// NewOpsHandler creates a new ops handler
func NewOpsHandler(svc *service.PipelineService, logger *zap.Logger) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{service: svc, logger: logger}
}

// Routes registers every endpoint on a new mux
func (h *OpsHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /metrics", h.GetMetrics)
	mux.HandleFunc("GET /breakers", h.ListBreakers)
	mux.HandleFunc("POST /breakers/{name}/reset", h.ResetBreaker)
	mux.HandleFunc("GET /dead-letters", h.ListDeadLetters)
	mux.HandleFunc("POST /dead-letters/{id}/reprocess", h.ReprocessDeadLetter)
	mux.HandleFunc("GET /pipelines/{id}", h.GetPipeline)
	mux.HandleFunc("POST /pipelines/{id}/cancel", h.CancelPipeline)
	return mux
}

// Health handles GET /health. Unhealthy reports are served with 503.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.service.HealthCheck(r.Context())

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

// GetMetrics handles GET /metrics
func (h *OpsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Metrics().GetSnapshot())
}

// ListBreakers handles GET /breakers
func (h *OpsHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.GetCircuitBreakerStatus())
}

// ResetBreaker handles POST /breakers/{name}/reset
func (h *OpsHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.service.ResetCircuitBreaker(name); err != nil {
		if errors.Is(err, circuitbreaker.ErrBreakerNotFound) {
			http.Error(w, "circuit breaker not found", http.StatusNotFound)
			return
		}
		h.internalError(w, "failed to reset circuit breaker", err)
		return
	}

	h.logger.Info("circuit breaker reset via ops endpoint", zap.String("breaker", name))
	statuses := h.service.GetCircuitBreakerStatus()
	h.writeJSON(w, http.StatusOK, statuses[name])
}

// ListDeadLetters handles GET /dead-letters?tenant_id=&limit=
func (h *OpsHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDeadLetterLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := h.service.ListDeadLetters(r.Context(), tenantID, limit)
	if err != nil {
		h.internalError(w, "failed to list dead letters", err)
		return
	}
	if items == nil {
		items = []*models.DeadLetterItem{}
	}
	h.writeJSON(w, http.StatusOK, items)
}

// ReprocessDeadLetter handles POST /dead-letters/{id}/reprocess. The new run
// executes synchronously and its summary is returned.
func (h *OpsHandler) ReprocessDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	summary, err := h.service.ReprocessDeadLetter(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDeadLetterNotFound):
			http.Error(w, "dead letter not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrDeadLetterResolved):
			http.Error(w, "dead letter already resolved", http.StatusConflict)
		case errors.Is(err, service.ErrRateLimitExceeded):
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		default:
			h.internalError(w, "failed to reprocess dead letter", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// GetPipeline handles GET /pipelines/{id}?tenant_id=
func (h *OpsHandler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	run, err := h.service.GetPipelineState(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			http.Error(w, "pipeline not found", http.StatusNotFound)
			return
		}
		h.internalError(w, "failed to retrieve pipeline", err)
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

// CancelPipeline handles POST /pipelines/{id}/cancel?tenant_id=
func (h *OpsHandler) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.service.CancelPipeline(tenantID, r.PathValue("id")); err != nil {
		if errors.Is(err, service.ErrRunNotActive) {
			http.Error(w, "pipeline is not running", http.StatusConflict)
			return
		}
		h.internalError(w, "failed to cancel pipeline", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *OpsHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	http.Error(w, msg, http.StatusInternalServerError)
}

func (h *OpsHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("error encoding response", zap.Error(err))
	}
}
