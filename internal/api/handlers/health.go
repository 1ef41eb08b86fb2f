package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Check reports whether one dependency is ready. A nil error means ready.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewHealthHandler creates a handler running checks on every readiness probe.
func NewHealthHandler(checks map[string]Check, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		timeout: 2 * time.Second,
		log:     log,
		now:     time.Now,
	}
}

// Healthz handles GET /healthz. The process is alive if it can answer.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   h.now().Format(time.RFC3339),
	})
}

// Readyz handles GET /readyz. It answers 503 while any check fails.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		h.log.Warn().
			Interface("failures", failures).
			Msg("Readiness check failed")
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "not_ready",
			"failures": failures,
		})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
