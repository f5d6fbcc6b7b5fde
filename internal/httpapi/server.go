// Package httpapi exposes the orchestrator over REST plus a WebSocket stream.
// All conversational state lives behind the orchestrator; these handlers only
// translate HTTP to façade calls and map typed errors to status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/clarify"
	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/findings"
	"github.com/taskwise/coworker/internal/orchestrator"
	"github.com/taskwise/coworker/internal/streaming"
)

// Handler serves the conversation API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	stream *streaming.Manager
	logger *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(orch *orchestrator.Orchestrator, stream *streaming.Manager, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, stream: stream, logger: logger}
}

// RegisterRoutes mounts all conversation endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks/{id}/attach", h.handleAttach)
	mux.HandleFunc("POST /v1/tasks/{id}/detach", h.handleDetach)
	mux.HandleFunc("POST /v1/tasks/{id}/messages", h.handleMessage)
	mux.HandleFunc("POST /v1/tasks/{id}/clarifications", h.handleClarifications)
	mux.HandleFunc("POST /v1/tasks/{id}/reset", h.handleReset)
	mux.HandleFunc("GET /v1/tasks/{id}/history", h.handleHistory)
	mux.HandleFunc("GET /v1/tasks/{id}/findings", h.handleTaskFindings)
	mux.HandleFunc("GET /v1/findings/{id}", h.handleFinding)
	mux.HandleFunc("GET /v1/tasks/{id}/stream", h.handleStream)
}

type attachRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type turnsResponse struct {
	Turns []conversation.Turn `json:"turns"`
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	history, err := h.orch.Attach(r.Context(), orchestrator.Task{
		ID:          taskID,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, turnsResponse{Turns: history})
}

func (h *Handler) handleDetach(w http.ResponseWriter, r *http.Request) {
	h.orch.Detach(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turns, err := h.orch.ProcessMessage(r.Context(), taskID, req.Text)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, turnsResponse{Turns: turns})
}

type clarificationsRequest struct {
	// Answers line up with the questions asked; null entries mean skipped.
	Answers []*string `json:"answers"`
}

type clarificationsResponse struct {
	Turns []conversation.Turn `json:"turns"`
	// Finding is absent when synthesis failed and an apology was emitted.
	Finding *conversation.Finding `json:"finding,omitempty"`
}

func (h *Handler) handleClarifications(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req clarificationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turns, finding, err := h.orch.SubmitClarifications(r.Context(), taskID, req.Answers)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, clarificationsResponse{Turns: turns, Finding: finding})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	marker, err := h.orch.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]conversation.Turn{"turn": marker})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns, err := h.orch.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, turnsResponse{Turns: turns})
}

func (h *Handler) handleTaskFindings(w http.ResponseWriter, r *http.Request) {
	list, err := h.orch.Findings(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string][]conversation.Finding{"findings": list})
}

func (h *Handler) handleFinding(w http.ResponseWriter, r *http.Request) {
	f, err := h.orch.Finding(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, f)
}

func (h *Handler) writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotAttached):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, findings.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "finding not found")
	case errors.Is(err, orchestrator.ErrSessionBusy):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrConversationReset):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, clarify.ErrNoActiveClarification),
		errors.Is(err, clarify.ErrClarificationInProgress):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrEmptyMessage),
		errors.Is(err, clarify.ErrAnswerCountMismatch),
		errors.Is(err, conversation.ErrInvalidTurn):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
