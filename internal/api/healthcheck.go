// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout bounds how long the health endpoint waits on the
// backends before reporting degraded state.
const healthCheckTimeout = 2 * time.Second

// healthResponse is the body of GET /healthcheck.
type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleHealthCheck pings all three backends (metadata, entries, queue)
// through the orchestrator and reports ok, or degraded with a 503 so load
// balancers take the instance out of rotation.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.service.HealthCheck(ctx); err != nil {
		s.logger.Warn("Health check failed", slog.Any("error", err))

		writeJSON(w, s.logger, http.StatusServiceUnavailable, healthResponse{
			Status:  "degraded",
			Message: err.Error(),
		})

		return
	}

	writeJSON(w, s.logger, http.StatusOK, healthResponse{
		Status:  "ok",
		Message: "all backends healthy",
	})
}
