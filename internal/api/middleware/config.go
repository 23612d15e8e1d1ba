package middleware

import (
	"time"

	"github.com/traceline-io/traceline/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-client: Applied to authenticated admin clients
//   - Unauthenticated: Applied to requests without a client identity
//
// Burst capacity allows temporary bursts above the sustained rate.
// If burst fields are 0, they are computed automatically as 2 x rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 50
	UnAuthRPS int // Default: 10

	// Optional burst capacity overrides (0 = computed as 2 x rate)
	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("TRACELINE_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("TRACELINE_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("TRACELINE_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("TRACELINE_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("TRACELINE_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("TRACELINE_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"TRACELINE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("TRACELINE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("TRACELINE_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
