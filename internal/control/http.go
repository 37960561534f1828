// Package control exposes the orchestrator over a small JSON HTTP API.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"teamsync/internal/domain"
	"teamsync/internal/fault"
	"teamsync/internal/logging"
)

// Controller is the orchestrator surface driven by the control API.
// Params: request context bounds every call.
// Returns: operation results and taxonomy errors from internal/fault.
type Controller interface {
	Select(ctx context.Context, kind domain.ResourceKind, id string) error
	SetWeek(ctx context.Context, offset int) error
	SetFilters(ctx context.Context, filters domain.Filters) error
	Selection(ctx context.Context) (any, error)
	ToggleFavorite(ctx context.Context, teamID string) ([]string, error)
	JoinTeam(ctx context.Context, code string) (string, error)
	SaveAvailability(ctx context.Context, slots []domain.AvailabilitySlot) error
}

type selectRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type weekRequest struct {
	Offset *int `json:"offset"`
}

type favoriteRequest struct {
	TeamID string `json:"team_id"`
}

type joinRequest struct {
	Code string `json:"code"`
}

type availabilityRequest struct {
	Slots []domain.AvailabilitySlot `json:"slots"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPHandler routes control requests under one path prefix.
// Params: controller, body size limit, and logger.
// Returns: HTTP handler for the control API.
type HTTPHandler struct {
	ctrl        Controller
	maxBodySize int64
	logger      *slog.Logger
	mux         *http.ServeMux
}

// NewHTTPHandler creates control HTTP handler.
// Params: controller, path prefix (for example "/v1"), max request body size in bytes, and logger.
// Returns: configured handler.
func NewHTTPHandler(ctrl Controller, prefix string, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	prefix = strings.TrimRight(prefix, "/")
	h := &HTTPHandler{
		ctrl:        ctrl,
		maxBodySize: maxBodySize,
		logger:      logging.OrDiscard(logger),
		mux:         http.NewServeMux(),
	}
	h.mux.HandleFunc(prefix+"/select", h.handleSelect)
	h.mux.HandleFunc(prefix+"/selection", h.handleSelection)
	h.mux.HandleFunc(prefix+"/week", h.handleWeek)
	h.mux.HandleFunc(prefix+"/filters", h.handleFilters)
	h.mux.HandleFunc(prefix+"/favorites/toggle", h.handleFavorite)
	h.mux.HandleFunc(prefix+"/join", h.handleJoin)
	h.mux.HandleFunc(prefix+"/availability", h.handleAvailability)
	return h
}

// ServeHTTP dispatches one control request.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

func (h *HTTPHandler) handleSelect(writer http.ResponseWriter, request *http.Request) {
	var req selectRequest
	if !h.decodePost(writer, request, &req) {
		return
	}
	kind := domain.ResourceKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = domain.KindTeam
	}
	if err := h.ctrl.Select(request.Context(), kind, strings.TrimSpace(req.ID)); err != nil {
		h.writeError(writer, "select", err)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) handleSelection(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	selection, err := h.ctrl.Selection(request.Context())
	if err != nil {
		h.writeError(writer, "selection", err)
		return
	}
	h.writeJSON(writer, http.StatusOK, selection)
}

func (h *HTTPHandler) handleWeek(writer http.ResponseWriter, request *http.Request) {
	var req weekRequest
	if !h.decodePost(writer, request, &req) {
		return
	}
	if req.Offset == nil {
		h.writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "offset is required"})
		return
	}
	if err := h.ctrl.SetWeek(request.Context(), *req.Offset); err != nil {
		h.writeError(writer, "week", err)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) handleFilters(writer http.ResponseWriter, request *http.Request) {
	var req domain.Filters
	if !h.decodePost(writer, request, &req) {
		return
	}
	if err := h.ctrl.SetFilters(request.Context(), req); err != nil {
		h.writeError(writer, "filters", err)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) handleFavorite(writer http.ResponseWriter, request *http.Request) {
	var req favoriteRequest
	if !h.decodePost(writer, request, &req) {
		return
	}
	favorites, err := h.ctrl.ToggleFavorite(request.Context(), strings.TrimSpace(req.TeamID))
	if err != nil {
		h.writeError(writer, "toggle favorite", err)
		return
	}
	h.writeJSON(writer, http.StatusOK, map[string][]string{"favorites": favorites})
}

func (h *HTTPHandler) handleJoin(writer http.ResponseWriter, request *http.Request) {
	var req joinRequest
	if !h.decodePost(writer, request, &req) {
		return
	}
	teamID, err := h.ctrl.JoinTeam(request.Context(), req.Code)
	if err != nil {
		h.writeError(writer, "join team", err)
		return
	}
	h.writeJSON(writer, http.StatusOK, map[string]string{"team_id": teamID})
}

func (h *HTTPHandler) handleAvailability(writer http.ResponseWriter, request *http.Request) {
	var req availabilityRequest
	if !h.decodePost(writer, request, &req) {
		return
	}
	if err := h.ctrl.SaveAvailability(request.Context(), req.Slots); err != nil {
		h.writeError(writer, "save availability", err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// decodePost enforces POST, limits body size, and decodes JSON into target.
// Params: response writer, request, and decode target.
// Returns: false when a response was already written.
func (h *HTTPHandler) decodePost(writer http.ResponseWriter, request *http.Request, target any) bool {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		h.writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// writeError maps error taxonomy onto HTTP status codes.
// Params: writer, operation label for logs, and error.
// Returns: none.
func (h *HTTPHandler) writeError(writer http.ResponseWriter, op string, err error) {
	status := http.StatusServiceUnavailable
	message := err.Error()
	if domainErr, ok := fault.AsDomain(err); ok {
		status = http.StatusUnprocessableEntity
		message = domainErr.Error()
	} else {
		switch {
		case errors.Is(err, fault.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, fault.ErrThrottled):
			status = http.StatusTooManyRequests
		case errors.Is(err, fault.ErrResourceExhausted):
			status = http.StatusConflict
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			status = http.StatusGatewayTimeout
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("control request failed", "op", op, "error", err.Error())
	} else {
		h.logger.Debug("control request rejected", "op", op, "error", err.Error())
	}
	h.writeJSON(writer, status, errorResponse{Error: message})
}

func (h *HTTPHandler) writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		h.logger.Warn("control response encode failed", "error", err.Error())
	}
}
