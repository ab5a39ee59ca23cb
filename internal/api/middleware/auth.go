// Package middleware provides HTTP middleware components for the Loadstone API.
package middleware

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// publicEndpoints defines endpoints that bypass authentication. These are
// accessible without API keys (health probes, monitoring tools).
//
// Security note: only health check endpoints belong in this map. Never add
// business logic endpoints to this bypass list.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// Call it during route setup only; the map is not guarded for concurrent
// writes after the server starts.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/healthcheck")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// AuthError represents an authentication error with a specific type.
type AuthError struct {
	Type    error
	Message string
}

// Authentication error types for granular error handling.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for invalid API key format or an unknown
	// key. Generic error prevents enumeration attacks.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling standard errors.Is() and
// errors.As() behavior.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// Authenticator validates API keys against a static list of bcrypt hashes.
// Plaintext keys are never configured on the server; operators hand out keys
// and configure only their hashes. The matching hash's position in the list
// becomes the client label used for rate limiting and logs.
//
// A bcrypt comparison costs tens of milliseconds, far too slow for the entry
// read path, so keys that have cleared bcrypt once are remembered by their
// SHA-256 digest and verified against that on later requests. Failed keys
// are never cached, which keeps the cache bounded by the configured hash
// list.
type Authenticator struct {
	hashes []string
	logger *slog.Logger

	mutex sync.RWMutex
	seen  map[[sha256.Size]byte]string
}

// NewAuthenticator builds an Authenticator over the given bcrypt hashes.
// Blank entries are dropped; returns nil when no hashes remain, which
// disables authentication.
func NewAuthenticator(hashes []string, logger *slog.Logger) *Authenticator {
	kept := make([]string, 0, len(hashes))

	for _, hash := range hashes {
		if hash = strings.TrimSpace(hash); hash != "" {
			kept = append(kept, hash)
		}
	}

	if len(kept) == 0 {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Authenticator{
		hashes: kept,
		logger: logger,
		seen:   make(map[[sha256.Size]byte]string),
	}
}

// identify resolves an API key to its client label. Returns ("", false) for
// unknown keys.
func (a *Authenticator) identify(key string) (string, bool) {
	digest := sha256.Sum256([]byte(key))

	a.mutex.RLock()
	clientID, cached := a.seen[digest]
	a.mutex.RUnlock()

	if cached {
		return clientID, true
	}

	// Compare against every configured hash even after a match so unknown
	// keys cost the same as known ones (timing attack prevention).
	for i, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil && clientID == "" {
			clientID = fmt.Sprintf("key-%d", i+1)
		}
	}

	if clientID == "" {
		return "", false
	}

	a.mutex.Lock()
	a.seen[digest] = clientID
	a.mutex.Unlock()

	return clientID, true
}

// extractAPIKey extracts the API key from request headers. It checks the
// X-Api-Key header first (primary), then falls back to Authorization: Bearer.
//
// Returns (key, true) if found and valid, ("", false) otherwise.
//
// Security considerations:
// - Rejects keys containing newlines (header injection prevention)
// - Trims whitespace from keys
// - Case-sensitive "Bearer " prefix check
// - X-Api-Key takes precedence over Authorization header.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return validateAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

// validateAPIKey validates and cleans an API key value.
// Returns (cleanedKey, true) if valid, ("", false) otherwise.
func validateAPIKey(key string) (string, bool) {
	// Reject keys containing newlines (header injection prevention).
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// Authenticate creates a middleware that validates API keys against the
// authenticator's hash list and enriches the request context with the
// matching client.
//
// The middleware:
// - Extracts API keys from X-Api-Key (primary) or Authorization: Bearer (fallback) headers
// - Validates the key against the configured bcrypt hashes
// - Enriches request context with ClientContext
// - Returns the API's JSON error envelope on failure.
func Authenticate(auth *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Public endpoints bypass authentication.
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey})

				return
			}

			clientID, ok := auth.identify(apiKey)
			if !ok {
				writeAuthError(w, r, logger, &AuthError{Type: ErrInvalidAPIKey})

				return
			}

			ctx := SetClientContext(r.Context(), &ClientContext{
				ClientID: clientID,
				AuthTime: time.Now(),
			})

			logger.Debug("API key authenticated",
				slog.String("client_id", clientID),
				slog.String("key", maskKey(apiKey)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError logs an authentication failure and writes the 401 response.
// Failures log client metadata only, never the key itself.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", GetCorrelationID(r.Context())),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	code := "invalid-api-key"
	if errors.Is(err, ErrMissingAPIKey) {
		code = "missing-api-key"
	}

	writeError(w, http.StatusUnauthorized, err.Error(), code)
}

// maskKey keeps the first four characters of a key for log lines.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}

	return key[:4] + "****"
}
