// Package main provides the Traceline lineage query service.
//
// The server answers lineage graph queries over the normalized entity store
// and exposes administrative operations for partition lifecycle, lineage
// population, and backfill.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/traceline-io/traceline/internal/aliasing"
	"github.com/traceline-io/traceline/internal/api"
	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/lineage"
	"github.com/traceline-io/traceline/internal/storage"
)

const name = "traceline"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s %s\n", name, api.Version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Traceline service",
		slog.String("service", name),
		slog.String("version", api.Version),
	)

	middlewareConfig := middleware.LoadConfig()

	// Graceful shutdown of the limiter is handled by server.shutdown()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	var adminAuth *middleware.AdminAuthenticator

	if serverConfig.AdminAuthEnabled {
		adminAuth, err = middleware.NewAdminAuthenticator(serverConfig.AdminAPIKeys)
		if err != nil {
			logger.Error("Failed to load admin API keys", slog.String("error", err.Error()))

			_ = dbConn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("Admin authentication enabled")
	} else {
		logger.Warn("Admin authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set TRACELINE_ADMIN_AUTH_ENABLED=true to protect admin endpoints"),
		)
	}

	traversalStore, err := storage.NewTraversalStore(dbConn)
	if err != nil {
		logger.Error("Failed to create traversal store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	partitionManager, err := storage.NewPartitionManager(dbConn)
	if err != nil {
		logger.Error("Failed to create partition manager", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	maintenanceService, err := storage.NewMaintenanceService(dbConn, partitionManager)
	if err != nil {
		logger.Error("Failed to create maintenance service", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	backfillMigrator, err := storage.NewBackfillMigrator(dbConn, maintenanceService, storage.BackfillConfig{})
	if err != nil {
		logger.Error("Failed to create backfill migrator", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	// Namespace aliases are optional; a missing config file means passthrough.
	aliasConfig, err := aliasing.LoadConfig(aliasing.ConfigPath())
	if err != nil {
		logger.Error("Failed to load alias configuration", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	resolver := aliasing.NewResolver(aliasConfig)

	lineageService := lineage.NewService(traversalStore, lineage.WithAliasResolver(resolver))

	logger.Info("Lineage engine initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("namespace_aliases", resolver.AliasCount()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	server := api.NewServer(serverConfig, &api.Dependencies{
		Conn:        dbConn,
		Lineage:     lineageService,
		Maintenance: maintenanceService,
		Partitions:  partitionManager,
		Backfill:    backfillMigrator,
		RateLimiter: rateLimiter,
		AdminAuth:   adminAuth,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Traceline service stopped")
}
