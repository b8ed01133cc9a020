package api

import (
	"context"
	"net/http"
)

// Health returns the health status of the API and its storage.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.HealthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status, code := "healthy", http.StatusOK
	if h.repo == nil {
		checks["database"] = "disabled"
	} else if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if h.opts.Identity != nil && h.opts.Identity.Degraded() {
		checks["session_id"] = "process-local"
		status = "degraded"
	}

	JSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}
