// Package api provides the HTTP API server for the Loadstone service.
package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loadstone-io/loadstone/internal/config"
)

const (
	defaultPort           int    = 8080
	maxPort               int    = 65535
	defaultHost           string = "0.0.0.0"
	defaultCORSMaxAge     int    = 86400
	defaultTimeout               = 30 * time.Second
	defaultMaxRequestSize int64  = 1048576 // 1 MB
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidContextRoot indicates the context root does not start with "/".
	ErrInvalidContextRoot = errors.New("context root must start with /")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

type (
	// ServerConfig holds HTTP server configuration.
	// Pure configuration only - no runtime dependencies.
	ServerConfig struct {
		Port            int
		Host            string
		ContextRoot     string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		MaxRequestSize  int64

		// APIKeyHashes holds bcrypt hashes of accepted API keys. Empty
		// disables authentication.
		APIKeyHashes []string

		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig holds CORS configuration options, centralized here and
	// handed to the middleware through its CORSConfig interface.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig builds the server configuration from the optional config
// file and environment variables. Environment variables win over file values,
// file values win over defaults. A nil file behaves like an empty one.
func LoadServerConfig(file *config.File) *ServerConfig {
	port := defaultPort
	contextRoot := ""

	if file != nil {
		if file.Server.Port > 0 {
			port = file.Server.Port
		}

		contextRoot = file.Server.ContextRoot
	}

	return &ServerConfig{
		Port:            config.GetEnvInt("LOADSTONE_SERVER_PORT", port),
		Host:            config.GetEnvStr("LOADSTONE_SERVER_HOST", defaultHost),
		ContextRoot:     normalizeContextRoot(config.GetEnvStr("LOADSTONE_SERVER_CONTEXT_ROOT", contextRoot)),
		ReadTimeout:     config.GetEnvDuration("LOADSTONE_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("LOADSTONE_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("LOADSTONE_SERVER_TIMEOUT", defaultTimeout),
		MaxRequestSize:  config.GetEnvInt64("LOADSTONE_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		APIKeyHashes:    config.ParseCommaSeparatedList(config.GetEnvStr("LOADSTONE_API_KEY_HASHES", "")),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("LOADSTONE_CORS_ALLOWED_ORIGINS", "*"),
		), // "*" is the development default - restrict in production
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("LOADSTONE_CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"LOADSTONE_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-Api-Key",
			),
		),
		CORSMaxAge: config.GetEnvInt("LOADSTONE_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// normalizeContextRoot trims trailing slashes so the router can mount the
// API at prefix + "/". "" and "/" both mean no prefix.
func normalizeContextRoot(root string) string {
	root = strings.TrimRight(strings.TrimSpace(root), "/")
	if root == "" {
		return ""
	}

	return root
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts ServerConfig CORS fields to the middleware's
// CORSConfig interface.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ContextRoot != "" && !strings.HasPrefix(c.ContextRoot, "/") {
		return fmt.Errorf("%w: got %q", ErrInvalidContextRoot, c.ContextRoot)
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}
