package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/manifest"
	"github.com/slipway-sh/slipway/internal/shell/controller"
	"github.com/slipway-sh/slipway/internal/shell/runtime"
	"github.com/slipway-sh/slipway/internal/shell/store"
	"github.com/slipway-sh/slipway/internal/shell/telemetry"
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides the HTTP handlers for the orchestrator API.
type Handler struct {
	ctrl      *controller.Controller
	store     store.Store
	collector *telemetry.Collector
	streamer  *telemetry.Streamer
	prober    *telemetry.Prober
	adapter   runtime.Adapter
	logger    *slog.Logger
	validate  *validator.Validate
	tokenHash []byte
}

// NewHandler creates an API handler. A non-empty apiToken enables bearer
// authentication on the /api/v1 surface.
func NewHandler(
	ctrl *controller.Controller,
	st store.Store,
	collector *telemetry.Collector,
	streamer *telemetry.Streamer,
	prober *telemetry.Prober,
	adapter runtime.Adapter,
	logger *slog.Logger,
	apiToken string,
) (*Handler, error) {
	var tokenHash []byte
	if apiToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(apiToken), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		tokenHash = hash
	}
	return &Handler{
		ctrl:      ctrl,
		store:     st,
		collector: collector,
		streamer:  streamer,
		prober:    prober,
		adapter:   adapter,
		logger:    logger.With("component", "api"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		tokenHash: tokenHash,
	}, nil
}

// Routes builds the complete router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.serviceHealth)
	r.Get("/ready", h.serviceReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.auth)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.createDeployment)
			r.Get("/", h.listDeployments)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getDeployment)
				r.Delete("/", h.deleteDeployment)
				r.Post("/redeploy", h.redeployDeployment)
				r.Post("/stop", h.stopDeployment)
				r.Post("/restart", h.restartDeployment)
				r.Post("/rollback", h.rollbackDeployment)
				r.Patch("/config", h.updateConfig)
				r.Get("/logs", h.getLogs)
				r.Get("/logs/stream", h.streamLogs)
				r.Get("/metrics", h.getMetrics)
				r.Get("/health", h.getHealth)
				r.Get("/url", h.getURL)
				r.Get("/actions", h.listActions)
			})
		})

		r.Get("/actions/{actionID}", h.getAction)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/history", h.getHistory)
			r.Get("/versions", h.getVersions)
		})
	})

	return r
}

// =============================================================================
// Service Endpoints
// =============================================================================

func (h *Handler) serviceHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serviceReady reports whether the store and the container engine answer.
func (h *Handler) serviceReady(w http.ResponseWriter, r *http.Request) {
	if err := h.adapter.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "reason": "container engine unreachable",
		})
		return
	}
	if _, err := h.store.ListDeployments(r.Context(), store.DeploymentFilter{}, store.ListOptions{Limit: 1}); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "reason": "store unreachable",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// Lifecycle Endpoints
// =============================================================================

// createDeployment accepts either a JSON deploy request or a YAML manifest,
// selected by Content-Type.
func (h *Handler) createDeployment(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeDeployRequest(r)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	d, action, err := h.ctrl.Deploy(r.Context(), *req)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, actionResult{Deployment: d, Action: action})
}

func (h *Handler) decodeDeployRequest(r *http.Request) (*controller.DeployRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "yaml") {
		m, err := manifest.Parse(r.Body)
		if err != nil {
			return nil, err
		}
		return &controller.DeployRequest{
			ProjectID:   m.Project,
			Environment: domain.Environment(m.Environment),
			Version:     m.Version,
			Config:      m.Config(),
		}, nil
	}

	var body deployRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errMalformedBody
	}
	if err := h.validate.Struct(body); err != nil {
		return nil, err
	}
	return &controller.DeployRequest{
		ProjectID:   body.ProjectID,
		Environment: domain.Environment(body.Environment),
		Version:     body.Version,
		Config:      body.Config.toDomain(),
	}, nil
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	filter := store.DeploymentFilter{}
	if v := r.URL.Query().Get("project_id"); v != "" {
		filter.ProjectID = &v
	}
	if v := r.URL.Query().Get("environment"); v != "" {
		env := domain.Environment(v)
		filter.Environment = &env
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := domain.DeploymentStatus(v)
		filter.Status = &status
	}

	opts := store.ListOptions{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	deployments, err := h.store.ListDeployments(r.Context(), filter, opts)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, deploymentList{Deployments: deployments, Count: len(deployments)})
}

func (h *Handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	detail := deploymentDetail{Deployment: d}
	if report, err := h.prober.Status(d.ID); err == nil {
		detail.Health = &report
	}
	respondJSON(w, http.StatusOK, detail)
}

func (h *Handler) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) redeployDeployment(w http.ResponseWriter, r *http.Request) {
	var body redeployRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, h.logger, errMalformedBody)
		return
	}

	d, action, err := h.ctrl.Redeploy(r.Context(), chi.URLParam(r, "id"), body.Version)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, actionResult{Deployment: d, Action: action})
}

func (h *Handler) stopDeployment(w http.ResponseWriter, r *http.Request) {
	d, action, err := h.ctrl.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, actionResult{Deployment: d, Action: action})
}

func (h *Handler) restartDeployment(w http.ResponseWriter, r *http.Request) {
	d, action, err := h.ctrl.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, actionResult{Deployment: d, Action: action})
}

func (h *Handler) rollbackDeployment(w http.ResponseWriter, r *http.Request) {
	var body rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: "target_version is required", Code: "invalid_request",
		})
		return
	}
	if err := h.validate.Struct(body); err != nil {
		respondError(w, h.logger, err)
		return
	}

	d, action, err := h.ctrl.Rollback(r.Context(), chi.URLParam(r, "id"), body.TargetVersion)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, actionResult{Deployment: d, Action: action})
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: "malformed config patch", Code: "invalid_request",
		})
		return
	}

	d, action, err := h.ctrl.UpdateConfig(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, actionResult{Deployment: d, Action: action})
}

// =============================================================================
// Telemetry Endpoints
// =============================================================================

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tail := queryInt(r, "tail", 0)
	since := queryTime(r, "since")
	level := domain.LogLevel(r.URL.Query().Get("level"))

	events, err := h.streamer.Snapshot(id, tail, since, level)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, logList{Events: events, Count: len(events)})
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	window := time.Duration(0)
	if v := r.URL.Query().Get("window"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error: "invalid window duration", Code: "invalid_request",
			})
			return
		}
		window = parsed
	}

	history, err := h.collector.History(id, window)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	result := metricsResult{History: history}
	if latest, err := h.collector.Latest(id); err == nil {
		result.Latest = latest
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.prober.Status(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handler) getURL(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if d.Status != domain.StatusRunning || d.URL == "" {
		respondJSON(w, http.StatusConflict, errorResponse{
			Error: "deployment has no active URL", Code: "conflict",
		})
		return
	}
	respondJSON(w, http.StatusOK, urlResult{URL: d.URL})
}

// =============================================================================
// Audit and History Endpoints
// =============================================================================

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetDeployment(r.Context(), id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	opts := store.ListOptions{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	actions, err := h.store.ListActions(r.Context(), id, opts)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, actionList{Actions: actions, Count: len(actions)})
}

func (h *Handler) getAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.store.GetAction(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	limit := queryInt(r, "limit", 0)

	var env *domain.Environment
	if v := r.URL.Query().Get("environment"); v != "" {
		e := domain.Environment(v)
		env = &e
	}

	records, err := h.store.ListHistory(r.Context(), projectID, env, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, versionList{Versions: records, Count: len(records)})
}

func (h *Handler) getVersions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	env := domain.Environment(r.URL.Query().Get("environment"))
	if !env.Valid() {
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: "environment query parameter is required", Code: "invalid_request",
		})
		return
	}

	records, err := h.store.ListVersions(r.Context(), projectID, env, queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, versionList{Versions: records, Count: len(records)})
}

// =============================================================================
// Query Helpers
// =============================================================================

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryTime(r *http.Request, key string) time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
