// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"net/http"
	"strings"

	"github.com/loadstone-io/loadstone/internal/api/middleware"
	"github.com/loadstone-io/loadstone/internal/catalog"
)

const expectedURLParts = 2

// Route represents an HTTP route configuration with a path and handler.
// Used for declarative route registration with middleware bypass support.
type Route struct {
	Path    string           // The URL pattern for this route (e.g., "GET /healthcheck")
	Handler http.HandlerFunc // The HTTP handler function for this route
}

// setupRoutes registers every endpoint on an inner mux and mounts it under
// the configured context root. Patterns use Go 1.22 method routing, so the
// exact "POST /v1/datasets" pattern coexists with the wildcard
// "POST /v1/datasets/{dataset}" one; the most specific pattern wins.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	inner := http.NewServeMux()

	// Public health endpoint plus the catch-all 404.
	s.registerPublicRoutes(
		inner,
		Route{"GET /healthcheck", s.handleHealthCheck},
		Route{"/", s.handleNotFound},
	)

	// Dataset catalog.
	inner.HandleFunc("POST /v1/datasets", s.handleCreateDataset)
	inner.HandleFunc("GET /v1/datasets", s.handleListDatasets)
	inner.HandleFunc("GET /v1/datasets/{dataset}", s.handleGetDataset)

	// Version lifecycle.
	inner.HandleFunc("POST /v1/versions", s.handleCreateVersion)
	inner.HandleFunc("GET /v1/versions", s.handleListVersions)
	inner.HandleFunc("GET /v1/versions/{id}", s.handleGetVersion)
	inner.HandleFunc("POST /v1/versions/{id}/save", s.handleSaveVersion)
	inner.HandleFunc("POST /v1/versions/{id}/publish", s.handlePublishVersion)
	inner.HandleFunc("POST /v1/versions/{id}/discard", s.handleDiscardVersion)

	// Entry loads into an awaiting-entries version.
	inner.HandleFunc("POST /v1/datasets/{dataset}", s.handleLoadEntries)
	inner.HandleFunc("POST /v1/datasets/{dataset}/tables/{table}", s.handleLoadTableEntries)

	// Entry reads.
	inner.HandleFunc("GET /v1/datasets/{dataset}/tables/{table}/entries/{key}", s.handleGetEntry)
	inner.HandleFunc("GET /v1/datasets/{dataset}/tables/{table}/entries", s.handleGetEntries)

	s.mount(mux, inner)
}

// mount wires the inner mux into the outer one. With a context root the API
// lives under the prefix and every path outside it is a 404.
func (s *Server) mount(mux, inner *http.ServeMux) {
	root := s.config.ContextRoot
	if root == "" {
		mux.Handle("/", inner)

		return
	}

	mux.Handle(root+"/", http.StripPrefix(root, inner))
	mux.HandleFunc("/", s.handleNotFound)
}

// registerPublicRoutes registers HTTP routes that bypass authentication.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Registers the full request path (context root included) as a public
//     endpoint for the auth middleware, which runs before the prefix is
//     stripped
//
// Public routes should only be used for health check endpoints that need to
// be accessible without authentication (K8s probes, monitoring tools).
//
// Security Warning: never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip the method prefix for bypass registration: patterns read
		// "GET /healthcheck" but r.URL.Path is just "/healthcheck".
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", "path", route.Path)

			continue
		}

		middleware.RegisterPublicEndpoint(s.config.ContextRoot + path)
	}
}

// handleNotFound returns the JSON error envelope for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger,
		catalog.NewNotFound("not-found", "the requested resource was not found"))
}
