// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loadstone-io/loadstone/internal/api/middleware"
	"github.com/loadstone-io/loadstone/internal/catalog"
)

// statusForKind maps catalog error kinds onto HTTP status codes.
// KindAlreadyExists maps to 400: a duplicate dataset name is a bad request
// at the HTTP surface, the body still carries error: already-exists.
func statusForKind(kind catalog.Kind) int {
	switch kind {
	case catalog.KindValidation, catalog.KindAlreadyExists:
		return http.StatusBadRequest
	case catalog.KindNotFound:
		return http.StatusNotFound
	case catalog.KindConflict:
		return http.StatusConflict
	case catalog.KindTooManyRequests:
		return http.StatusTooManyRequests
	case catalog.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse renders err as the API's JSON error envelope:
//
//	{"status": "error", "message": ..., "error": <code>, ...context}
//
// catalog.Error values pick their status code through their kind and merge
// Detail entries (the offending version record, the missing-tables list)
// into the body as context keys. Any other error becomes an opaque 500; the
// cause stays in the logs.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	body := map[string]interface{}{
		"status":  "error",
		"message": "internal server error",
	}

	var cerr *catalog.Error
	if errors.As(err, &cerr) {
		status = statusForKind(cerr.Kind)
		body["message"] = cerr.Message

		if cerr.Code != "" {
			body["error"] = cerr.Code
		}

		for key, value := range cerr.Detail {
			body[key] = value
		}
	}

	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Any("error", err),
		)
	}

	writeJSON(w, logger, status, body)
}

// writeJSON renders v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response body", slog.Any("error", err))
	}
}

// decodeRequest parses a JSON request body into dst, enforcing the
// configured size limit. A Content-Type other than application/json, an
// oversized body, and malformed JSON all come back as KindValidation errors
// ready for WriteErrorResponse.
func decodeRequest(w http.ResponseWriter, r *http.Request, maxSize int64, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !hasJSONContentType(ct) {
		return catalog.NewValidation("invalid-content-type", "Content-Type must be application/json")
	}

	body := http.MaxBytesReader(w, r.Body, maxSize)

	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return catalog.NewValidation("request-too-large", "request body exceeds the size limit")
		}

		if errors.Is(err, io.EOF) {
			return catalog.NewValidation("invalid-request-body", "request body is empty")
		}

		return catalog.NewValidation("invalid-request-body", "request body is not valid JSON: "+err.Error())
	}

	return nil
}

// hasJSONContentType checks if a Content-Type header starts with
// "application/json". This allows charset parameters
// (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
