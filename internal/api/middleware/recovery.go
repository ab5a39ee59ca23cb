// Package middleware provides HTTP middleware components for the Loadstone API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics and logs them.
// The client gets a generic 500; the panic value and stack stay in the logs.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if err := recover(); err != nil {
					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", GetCorrelationID(ctx)),
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
					)

					writeError(w, http.StatusInternalServerError,
						"an unexpected error occurred while processing the request", "internal")
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}
