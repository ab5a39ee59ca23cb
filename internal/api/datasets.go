// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/loadstone-io/loadstone/internal/catalog"
)

// createDatasetRequest is the body of POST /v1/datasets. Name and tables are
// required; content type and eviction policy fall back to defaults when
// omitted. Server-owned fields (active version, operation log, counters) are
// not part of the contract and cannot be set by clients.
type createDatasetRequest struct {
	Name           string                  `json:"name"`
	Tables         []string                `json:"tables"`
	ContentType    string                  `json:"content-type"`
	EvictionPolicy *catalog.EvictionPolicy `json:"eviction-policy"`
}

// handleCreateDataset registers a new dataset. Responds 201 with the stored
// record and a Location header; a duplicate name is a 400 with
// error: already-exists.
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := decodeRequest(w, r, s.config.MaxRequestSize, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	dataset := &catalog.Dataset{
		Name:        req.Name,
		Tables:      req.Tables,
		ContentType: req.ContentType,
	}
	if req.EvictionPolicy != nil {
		dataset.EvictionPolicy = *req.EvictionPolicy
	}

	created, err := s.service.CreateDataset(r.Context(), dataset)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	s.logger.Info("Dataset created",
		slog.String("dataset", created.Name),
		slog.Int("tables", len(created.Tables)))

	w.Header().Set("Location", s.config.ContextRoot+"/v1/datasets/"+created.Name)
	writeJSON(w, s.logger, http.StatusCreated, created)
}

// handleListDatasets returns every dataset in the catalog.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.service.ListDatasets(r.Context())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	if datasets == nil {
		datasets = []*catalog.Dataset{}
	}

	writeJSON(w, s.logger, http.StatusOK, datasets)
}

// handleGetDataset fetches one dataset by name.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	dataset, err := s.service.GetDataset(r.Context(), r.PathValue("dataset"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, dataset)
}
