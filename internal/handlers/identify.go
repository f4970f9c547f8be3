package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"identity-reconciliation/internal/middleware"
	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/service"
)

const maxBodyBytes = 1 << 20

// Identifier resolves an identify request into its cluster summary.
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	service Identifier
	logger  *slog.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(svc Identifier, logger *slog.Logger) *IdentifyHandler {
	return &IdentifyHandler{service: svc, logger: logger}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.RequestIDFromCtx(ctx)

	var req models.IdentifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.logger.InfoContext(ctx, "invalid identify body",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid JSON body"})
		return
	}

	response, err := h.service.Identify(ctx, req)
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "identify failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
