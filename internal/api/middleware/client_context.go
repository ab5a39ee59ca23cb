// Package middleware provides HTTP middleware components for the Loadstone API.
package middleware

import (
	"context"
	"time"
)

// clientContextKey is the context key for the authenticated client.
type clientContextKey struct{}

// ClientContext identifies the authenticated API client for the lifetime of
// one request. ClientID is a stable label derived from the matching
// credential, not a secret; it feeds per-client rate limiting and logs.
type ClientContext struct {
	ClientID string
	AuthTime time.Time
}

// SetClientContext stores the authenticated client in the request context.
func SetClientContext(ctx context.Context, client *ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}

// GetClientContext extracts the authenticated client from the request
// context. Returns nil when authentication is disabled or did not run.
func GetClientContext(ctx context.Context) *ClientContext {
	if client, ok := ctx.Value(clientContextKey{}).(*ClientContext); ok {
		return client
	}

	return nil
}
