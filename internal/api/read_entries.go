// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// Version headers on read responses. Callers pin X-Version-Id on follow-up
// requests to keep a repeatable view across a publish cutover.
const (
	activeVersionHeader = "X-Active-Version-Id"
	versionHeader       = "X-Version-Id"
)

// readKeyRequest is one element of a batch read body.
type readKeyRequest struct {
	Key string `json:"key"`
}

// batchReadResponse is the body of a batch entry read. Missing keys are
// omitted from Data and listed in KeysMissing.
type batchReadResponse struct {
	Status      string                     `json:"status"`
	KeysFound   int                        `json:"keys-found"`
	KeysMissing int                        `json:"keys-missing"`
	Data        map[string]json.RawMessage `json:"data"`
}

// handleGetEntry reads a single entry. Without a version-id query parameter
// the read resolves against the dataset's active version; the resolved
// version is always reported in the response headers, hit or miss.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	table := r.PathValue("table")
	key := r.PathValue("key")
	versionID := r.URL.Query().Get("version-id")

	result, err := s.service.GetEntry(r.Context(), versionID, dataset, table, key)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	w.Header().Set(activeVersionHeader, result.ActiveVersionID)
	w.Header().Set(versionHeader, result.VersionID)

	if !result.Found {
		WriteErrorResponse(w, r, s.logger,
			catalog.NewNotFound("key-not-found", "key "+key+" not found in table "+table))

		return
	}

	// Values are stored as validated JSON, so they pass through verbatim.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(result.Value); err != nil {
		s.logger.Error("Failed to write entry value", "error", err)
	}
}

// handleGetEntries reads a batch of keys from one table in a single call.
// The request body is [{key}...]; every requested key lands in either data
// or the missing count.
func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	table := r.PathValue("table")
	versionID := r.URL.Query().Get("version-id")

	var body []readKeyRequest
	if err := decodeRequest(w, r, s.config.MaxRequestSize, &body); err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	keys := make([]string, 0, len(body))
	for _, item := range body {
		keys = append(keys, item.Key)
	}

	result, err := s.service.GetEntries(r.Context(), versionID, dataset, table, keys)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	w.Header().Set(activeVersionHeader, result.ActiveVersionID)
	w.Header().Set(versionHeader, result.VersionID)

	writeJSON(w, s.logger, http.StatusOK, batchReadResponse{
		Status:      "ok",
		KeysFound:   len(result.Data),
		KeysMissing: len(result.Missing),
		Data:        result.Data,
	})
}
