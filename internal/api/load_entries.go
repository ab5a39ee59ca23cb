// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/loadstone-io/loadstone/internal/catalog"
	"github.com/loadstone-io/loadstone/internal/orchestrator"
)

// loadEntriesResponse is the body of a successful entry load.
type loadEntriesResponse struct {
	Status        string `json:"status"`
	EntriesLoaded int    `json:"entries-loaded"`
}

// requireVersionID pulls the version-id query parameter loads must name.
// Loads always target an explicit version; only reads may fall back to the
// active one.
func requireVersionID(r *http.Request) (string, error) {
	versionID := r.URL.Query().Get("version-id")
	if versionID == "" {
		return "", catalog.NewValidation("missing-version-id", "version-id query parameter is required")
	}

	return versionID, nil
}

// handleLoadEntries writes a batch of entries into a version. The body is
// the canonical load shape: [{table, key, value}...].
func (s *Server) handleLoadEntries(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")

	versionID, err := requireVersionID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	var batch []orchestrator.LoadEntry
	if err := decodeRequest(w, r, s.config.MaxRequestSize, &batch); err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	if err := s.service.LoadEntries(r.Context(), versionID, dataset, batch); err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	s.logger.Info("Entries loaded",
		slog.String("dataset", dataset),
		slog.String("version_id", versionID),
		slog.Int("entries", len(batch)))

	writeJSON(w, s.logger, http.StatusOK, loadEntriesResponse{
		Status:        "ok",
		EntriesLoaded: len(batch),
	})
}

// handleLoadTableEntries writes a single-table batch into a version. The
// body shape is [{key, value}...]; the table comes from the path.
func (s *Server) handleLoadTableEntries(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	table := r.PathValue("table")

	versionID, err := requireVersionID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	var entries []orchestrator.TableEntry
	if err := decodeRequest(w, r, s.config.MaxRequestSize, &entries); err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	if err := s.service.LoadTableEntries(r.Context(), versionID, dataset, table, entries); err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	s.logger.Info("Entries loaded",
		slog.String("dataset", dataset),
		slog.String("table", table),
		slog.String("version_id", versionID),
		slog.Int("entries", len(entries)))

	writeJSON(w, s.logger, http.StatusOK, loadEntriesResponse{
		Status:        "ok",
		EntriesLoaded: len(entries),
	})
}
