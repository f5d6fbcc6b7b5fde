package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler serves the probe endpoints backed by a Manager.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates the probe handler.
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the probe endpoints on the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	h.writeJSON(w, statusCodeFor(report.Status), map[string]interface{}{
		"status":    report.Status.String(),
		"message":   report.Message,
		"ready":     report.Ready,
		"live":      report.Live,
		"timestamp": report.Timestamp.Unix(),
	})
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.IsReady(r.Context())
	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"ready":     ready,
		"timestamp": time.Now().Unix(),
	})
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	live := h.manager.IsLive(r.Context())
	code := http.StatusOK
	status := "alive"
	if !live {
		code = http.StatusServiceUnavailable
		status = "not alive"
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"live":      live,
		"timestamp": time.Now().Unix(),
	})
}

// handleDetailed returns per-component results. ?cached=true serves the
// background snapshot without probing the dependencies again.
func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	var report Report
	if r.URL.Query().Get("cached") == "true" {
		report = h.manager.CachedReport()
	} else {
		report = h.manager.Check(r.Context())
	}
	h.writeJSON(w, statusCodeFor(report.Status), report)
}

func statusCodeFor(status CheckStatus) int {
	switch status {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
