// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

type (
	// createVersionRequest is the body of POST /v1/versions. Only the
	// dataset is required. The verification policy is stored verbatim for
	// the verify-data hook; the core never interprets it.
	createVersionRequest struct {
		Dataset            string                 `json:"dataset"`
		Label              string                 `json:"label"`
		VerificationPolicy map[string]interface{} `json:"verification-policy"`
	}

	// discardVersionRequest is the optional body of
	// POST /v1/versions/{id}/discard.
	discardVersionRequest struct {
		Reason string `json:"reason"`
	}
)

// handleCreateVersion opens a new version for a dataset. The version comes
// back in status preparing; the background worker moves it to
// awaiting-entries, so callers poll GET /v1/versions/{id} before loading.
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := decodeRequest(w, r, s.config.MaxRequestSize, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	if req.Dataset == "" {
		WriteErrorResponse(w, r, s.logger,
			catalog.NewValidation("missing-dataset", "dataset is required"))

		return
	}

	created, err := s.service.CreateVersion(r.Context(), req.Dataset, req.Label, req.VerificationPolicy)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	s.logger.Info("Version created",
		slog.String("dataset", created.Dataset),
		slog.String("version_id", created.ID))

	w.Header().Set("Location", s.config.ContextRoot+"/v1/versions/"+created.ID)
	writeJSON(w, s.logger, http.StatusCreated, created)
}

// handleListVersions lists versions, filtered to one dataset when the
// dataset query parameter is present.
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.Context(), r.URL.Query().Get("dataset"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	if versions == nil {
		versions = []*catalog.Version{}
	}

	writeJSON(w, s.logger, http.StatusOK, versions)
}

// handleGetVersion fetches one version by id.
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.GetVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, version)
}

// handleSaveVersion requests the save transition. The work is asynchronous:
// the response is 202 with the version already moved to saving, and the
// worker completes the move to saved.
func (s *Server) handleSaveVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.Save(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	writeJSON(w, s.logger, http.StatusAccepted, version)
}

// handlePublishVersion requests the publish transition, 202 as with save.
// The worker demotes the previously published version and flips the
// dataset's active pointer.
func (s *Server) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.Publish(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	writeJSON(w, s.logger, http.StatusAccepted, version)
}

// handleDiscardVersion discards a version. The body is optional; when
// present it may carry a reason that lands in the version's operation log.
func (s *Server) handleDiscardVersion(w http.ResponseWriter, r *http.Request) {
	var req discardVersionRequest

	if r.ContentLength != 0 {
		if err := decodeRequest(w, r, s.config.MaxRequestSize, &req); err != nil {
			WriteErrorResponse(w, r, s.logger, err)

			return
		}
	}

	version, err := s.service.Discard(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, version)
}
