package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"nutraley.com/product-assistant/internal/core"
)

// statusClientClosedRequest is logged when the caller went away mid-turn.
const statusClientClosedRequest = 499

// Assistant runs one conversational turn.
type Assistant interface {
	HandleTurn(ctx context.Context, sessionKey, userText string) (*core.TurnResult, error)
}

// SessionReader exposes live sessions for inspection.
type SessionReader interface {
	Get(key string) (*core.Session, bool)
	Count() int
}

// HealthInfo is the static part of the health report.
type HealthInfo struct {
	Mode           string
	ProductsLoaded int
	IndexLoaded    bool
}

type APIHandler struct {
	assistant Assistant
	sessions  SessionReader
	health    HealthInfo
	validate  *validator.Validate
	log       *zap.Logger
}

func NewAPIHandler(assistant Assistant, sessions SessionReader, health HealthInfo, log *zap.Logger) *APIHandler {
	return &APIHandler{
		assistant: assistant,
		sessions:  sessions,
		health:    health,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
	}
}

type ChatRequest struct {
	Message   string `json:"message" validate:"required,max=4000"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "Invalid request body: " + err.Error()})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: err.Error()})
		return
	}

	res, err := h.assistant.HandleTurn(r.Context(), req.SessionID, req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ChatResponse{Response: res.Response, SessionID: res.SessionID})
	case errors.Is(err, core.ErrToolLoopExceeded) && res != nil:
		h.log.Warn("turn degraded", zap.String("session_id", res.SessionID), zap.Error(err))
		writeJSON(w, http.StatusOK, ChatResponse{Response: res.Response, SessionID: res.SessionID, Error: "tool_loop_exceeded"})
	case errors.Is(err, context.Canceled):
		h.log.Info("client went away mid-turn", zap.String("session_id", req.SessionID))
		w.WriteHeader(statusClientClosedRequest)
	default:
		status, code := classify(err)
		h.log.Error("chat turn failed", zap.String("session_id", req.SessionID), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, errorResponse{Error: code, Detail: err.Error(), SessionID: req.SessionID})
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, core.ErrTurnUnavailable):
		return http.StatusServiceUnavailable, "turn_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		// the request's own deadline, not the upstream's
		return http.StatusServiceUnavailable, "request_deadline_exceeded"
	case errors.Is(err, core.ErrUpstreamProtocol):
		return http.StatusBadGateway, "upstream_protocol_error"
	case errors.Is(err, core.ErrEmbeddingDimensionMismatch):
		return http.StatusInternalServerError, "embedding_dimension_mismatch"
	case errors.Is(err, core.ErrIndexLoad):
		return http.StatusInternalServerError, "index_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

type HealthResponse struct {
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	ProductsLoaded int    `json:"products_loaded"`
	IndexLoaded    bool   `json:"index_loaded"`
	Sessions       int    `json:"sessions"`
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Mode:           h.health.Mode,
		ProductsLoaded: h.health.ProductsLoaded,
		IndexLoaded:    h.health.IndexLoaded,
		Sessions:       h.sessions.Count(),
	})
}

type SessionMessagesResponse struct {
	SessionID string         `json:"session_id"`
	Messages  []core.Message `json:"messages"`
}

func (h *APIHandler) SessionMessagesHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, ok := h.sessions.Get(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session_not_found", SessionID: sessionID})
		return
	}
	writeJSON(w, http.StatusOK, SessionMessagesResponse{SessionID: sessionID, Messages: sess.Messages()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
