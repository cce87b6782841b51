package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/campus-dispatch/internal/dispatch"
	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	redisstore "github.com/ramiqadoumi/campus-dispatch/internal/redis"
	"github.com/ramiqadoumi/campus-dispatch/pkg/telemetry"
)

// Evaluator answers visibility queries, performing any due dispatch work first.
type Evaluator interface {
	Evaluate(ctx context.Context, trigger dispatch.Trigger, taskID, runnerID string, now time.Time) (dispatch.Visibility, error)
}

// REST handles HTTP requests for the API Gateway.
type REST struct {
	evaluator Evaluator
	limiter   redisstore.RateLimiter // nil = no throttle
	ready     telemetry.ReadyFunc
	logger    *slog.Logger
	now       func() time.Time
}

// NewREST creates a new REST handler. ready backs /readyz.
func NewREST(evaluator Evaluator, limiter redisstore.RateLimiter, ready telemetry.ReadyFunc, logger *slog.Logger) *REST {
	return &REST{
		evaluator: evaluator,
		limiter:   limiter,
		ready:     ready,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// VisibilityResponse is the GET /tasks/{id}/visibility response body.
type VisibilityResponse struct {
	TaskID   string `json:"task_id"`
	RunnerID string `json:"runner_id"`
	Visible  bool   `json:"visible"`
	Error    string `json:"error,omitempty"`
}

// Visibility handles GET /api/v1/tasks/{id}/visibility?runner_id=.
func (h *REST) Visibility(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.visibility")
	defer span.End()

	taskID := chi.URLParam(r, "id")
	runnerID := strings.TrimSpace(r.URL.Query().Get("runner_id"))
	if taskID == "" || runnerID == "" {
		telemetry.APIVisibilityQueries.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "task id and runner_id are required")
		return
	}
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("runner.id", runnerID),
	)
	log := h.logger.With(slog.String("task_id", taskID), slog.String("runner_id", runnerID))

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, runnerID)
		if err != nil {
			// Fail open: the throttle is not a correctness gate.
			log.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.APIVisibilityQueries.WithLabelValues("throttled").Inc()
			span.SetStatus(codes.Error, "throttled")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many visibility queries, limit "+strconv.Itoa(h.limiter.Limit())+"/s")
			return
		}
	}

	vis, err := h.evaluator.Evaluate(ctx, dispatch.TriggerAPI, taskID, runnerID, h.now())
	if err != nil {
		resp := VisibilityResponse{TaskID: taskID, RunnerID: runnerID, Visible: false}
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			telemetry.APIVisibilityQueries.WithLabelValues("not_found").Inc()
			resp.Error = "task not found"
			writeJSON(w, http.StatusNotFound, resp)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		telemetry.APIVisibilityQueries.WithLabelValues("error").Inc()
		log.Error("visibility evaluation failed", slog.String("error", err.Error()))
		resp.Error = "dispatch state unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	outcome := "hidden"
	if vis.Visible {
		outcome = "visible"
	}
	telemetry.APIVisibilityQueries.WithLabelValues(outcome).Inc()
	log.Debug("visibility answered",
		slog.Bool("visible", vis.Visible),
		slog.String("decision", string(vis.Decision.Kind)),
	)

	writeJSON(w, http.StatusOK, VisibilityResponse{
		TaskID:   vis.TaskID,
		RunnerID: vis.RunnerID,
		Visible:  vis.Visible,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
