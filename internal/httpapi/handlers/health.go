package handlers

import (
	"net/http"

	"renderhub/internal/httpkit"
)

// Health reports liveness. With ?deep=true it also checks every dependency
// and answers 503 when one of them fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]any{
		"status":  "ok",
		"service": "renderhub-api",
		"version": "0.1.0",
	}

	status := http.StatusOK
	if r.URL.Query().Get("deep") == "true" {
		checks, ok := httpkit.RunChecks(ctx, h.checks)
		health["checks"] = checks

		if counts, err := h.jobs.CountByStatus(ctx); err == nil {
			byStatus := make(map[string]int, len(counts))
			for s, n := range counts {
				byStatus[string(s)] = n
			}
			health["jobs"] = byStatus
		}

		if !ok {
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
			h.log.FromContext(ctx).Warn("health check degraded", "checks", checks)
		}
	}

	httpkit.WriteJSON(w, status, health)
}
