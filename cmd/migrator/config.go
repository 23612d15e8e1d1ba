package main

import (
	"fmt"

	"github.com/traceline-io/traceline/internal/config"
)

// Config holds all configuration for the migration tool
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string

	// BackfillChunkSize overrides the lineage backfill chunk size.
	// Zero keeps the storage layer's default.
	BackfillChunkSize int

	// BackfillAutoThreshold overrides the run-count ceiling below which the
	// lineage backfill runs automatically after 'up'. Zero keeps the default.
	BackfillAutoThreshold int64
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:           config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable:        config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
		BackfillChunkSize:     config.GetEnvInt("TRACELINE_BACKFILL_CHUNK_SIZE", 0),
		BackfillAutoThreshold: config.GetEnvInt64("TRACELINE_BACKFILL_AUTO_THRESHOLD", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	if c.BackfillChunkSize < 0 {
		return fmt.Errorf("TRACELINE_BACKFILL_CHUNK_SIZE cannot be negative")
	}

	if c.BackfillAutoThreshold < 0 {
		return fmt.Errorf("TRACELINE_BACKFILL_AUTO_THRESHOLD cannot be negative")
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s, BackfillChunkSize: %d, BackfillAutoThreshold: %d}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable, c.BackfillChunkSize, c.BackfillAutoThreshold)
}

// maskDatabaseURL masks the password in database URLs for logging
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	// Find the "//" that starts the authority section
	authStart := -1
	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2
			break
		}
	}

	if authStart == -1 {
		return url
	}

	// Find the last "@" in the authority section; passwords may contain "@"
	atPos := -1
	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}
		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	if atPos == -1 {
		return url
	}

	// Find the ":" separating user from password
	colonPos := -1
	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i
			break
		}
	}

	if colonPos == -1 {
		return url
	}

	if atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
