// Package middleware provides HTTP middleware components for the Loadstone API.
package middleware

import (
	"time"

	"github.com/loadstone-io/loadstone/internal/config"
)

// RateLimitConfig holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: applied to all requests
//   - Per-client: applied to authenticated requests
//   - Unauthenticated: applied to requests without a client ID
//
// Burst capacity allows temporary bursts above the sustained rate. Burst
// fields left at 0 are computed automatically as 2 × rate.
type RateLimitConfig struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 50
	UnAuthRPS int // Default: 10

	// Optional burst capacity overrides (0 = 2 × rate)
	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 1000
}

// LoadRateLimitConfig loads rate limiter config from environment variables
// with fallback to defaults. Rate limiting has no file-config surface; it is
// tuned per deployment.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS: config.GetEnvInt("LOADSTONE_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("LOADSTONE_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("LOADSTONE_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("LOADSTONE_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("LOADSTONE_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("LOADSTONE_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"LOADSTONE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("LOADSTONE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("LOADSTONE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
