// Package api exposes the orchestrator's HTTP surface: the deployment
// operation contract, telemetry reads, the websocket log stream, and the
// service endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/slipway-sh/slipway/internal/core/manifest"
	"github.com/slipway-sh/slipway/internal/shell/controller"
	"github.com/slipway-sh/slipway/internal/shell/store"
	"github.com/slipway-sh/slipway/internal/shell/telemetry"
)

// =============================================================================
// Responses
// =============================================================================

// errMalformedBody is returned when a request body cannot be decoded at all.
var errMalformedBody = errors.New("malformed request body")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondError maps domain and infrastructure errors onto the API's status
// taxonomy: rejected payloads are 422, state and concurrency conflicts 409,
// missing entities 404, unsupported capabilities 501, the rest 500.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: verrs.Error(), Code: "invalid_request",
		})
	case errors.Is(err, manifest.ErrMalformed):
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: err.Error(), Code: "malformed_manifest",
		})
	case errors.Is(err, errMalformedBody):
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: err.Error(), Code: "malformed_body",
		})
	case controller.IsValidation(err):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: err.Error(), Code: "invalid_request",
		})
	case controller.IsConflict(err):
		respondJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(), Code: "conflict",
		})
	case controller.IsNotFound(err), errors.Is(err, store.ErrNotFound), errors.Is(err, telemetry.ErrNotTracked):
		respondJSON(w, http.StatusNotFound, errorResponse{
			Error: err.Error(), Code: "not_found",
		})
	case errors.Is(err, telemetry.ErrStatsUnsupported):
		respondJSON(w, http.StatusNotImplemented, errorResponse{
			Error: err.Error(), Code: "unsupported",
		})
	default:
		logger.Error("request failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "internal error", Code: "internal",
		})
	}
}
