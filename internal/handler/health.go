package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger checks that a backing service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers liveness checks.
type HealthHandler struct {
	queue Pinger
}

// NewHealthHandler creates a new HealthHandler. queue may be nil when the
// worker is disabled.
func NewHealthHandler(queue Pinger) *HealthHandler {
	return &HealthHandler{queue: queue}
}

// HandleHealthz responds with 200 and {"status":"ok"}. When the job queue
// is configured but unreachable it responds 503 with status "degraded".
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.queue.Ping(ctx); err != nil {
		slog.Warn("ping job queue", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "queue": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "queue": "ok"})
}
