// Package api provides the HTTP API server for the Traceline lineage service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traceline-io/traceline/internal/config"
)

const (
	defaultPort       int    = 8080
	maxPort           int    = 65535
	defaultHost       string = "0.0.0.0"
	defaultCORSMaxAge int    = 86400
	defaultTimeout           = 30 * time.Second
	defaultLogLevel          = slog.LevelInfo
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

type (
	// ServerConfig holds HTTP server configuration.
	// Pure configuration only, no runtime dependencies.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		AdminAuthEnabled   bool
		AdminAPIKeys       []string
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig holds CORS configuration options.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables with
// sensible defaults.
//
// TRACELINE_ADMIN_API_KEYS holds comma-separated name=bcrypt-hash pairs; only
// hashes cross the environment boundary, never plaintext keys.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:             config.GetEnvInt("TRACELINE_SERVER_PORT", defaultPort),
		Host:             config.GetEnvStr("TRACELINE_SERVER_HOST", defaultHost),
		ReadTimeout:      config.GetEnvDuration("TRACELINE_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:     config.GetEnvDuration("TRACELINE_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout:  config.GetEnvDuration("TRACELINE_SERVER_TIMEOUT", defaultTimeout),
		LogLevel:         config.GetEnvLogLevel("TRACELINE_SERVER_LOG_LEVEL", defaultLogLevel),
		AdminAuthEnabled: config.GetEnvBool("TRACELINE_ADMIN_AUTH_ENABLED", true),
		AdminAPIKeys: config.ParseCommaSeparatedList(
			config.GetEnvStr("TRACELINE_ADMIN_API_KEYS", ""),
		),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("TRACELINE_CORS_ALLOWED_ORIGINS", "*"),
		), // "*" is a development default, restrict in production
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("TRACELINE_CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"TRACELINE_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-Api-Key",
			),
		),
		CORSMaxAge: config.GetEnvInt("TRACELINE_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the configuration for invalid values.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return ErrInvalidReadTimeout
	}

	if c.WriteTimeout <= 0 {
		return ErrInvalidWriteTimeout
	}

	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}

// ToCORSConfig converts server configuration to a middleware CORS provider.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins implements middleware.CORSConfig.
func (c *CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }

// GetAllowedMethods implements middleware.CORSConfig.
func (c *CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }

// GetAllowedHeaders implements middleware.CORSConfig.
func (c *CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }

// GetMaxAge implements middleware.CORSConfig.
func (c *CORSConfig) GetMaxAge() int { return c.MaxAge }
