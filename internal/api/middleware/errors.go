// Package middleware provides HTTP middleware components for the Loadstone API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// writeError emits the API's JSON error envelope from inside the middleware
// chain. The shape matches the handlers' error responses (see
// internal/api/errors.go) but is redeclared here so this package does not
// import its consumer: status is always "error", message is human-readable,
// and code lands under the "error" context key when set.
func writeError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]interface{}{
		"status":  "error",
		"message": message,
	}
	if code != "" {
		body["error"] = code
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode error response", slog.Any("error", err))
	}
}
