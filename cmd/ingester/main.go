// Package main provides the Traceline run-event ingester.
//
// The ingester consumes run state-change events from Kafka and keeps the
// denormalized lineage tables current: every transition into a terminal state
// triggers lineage population for that run. Population is idempotent, so
// at-least-once delivery from Kafka is safe.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/segmentio/kafka-go"

	"github.com/traceline-io/traceline/internal/api"
	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/metadata"
	"github.com/traceline-io/traceline/internal/storage"
)

const name = "traceline-ingester"

const (
	defaultTopic         = "traceline.run-events"
	defaultGroupID       = "traceline-ingester"
	defaultBrokers       = "localhost:9092"
	defaultMinBytes      = 1
	defaultMaxBytes      = 10 << 20 // 10 MB
	defaultCommitTimeout = 10 * time.Second
)

type (
	// kafkaConfig holds the consumer connection settings.
	kafkaConfig struct {
		Brokers []string
		Topic   string
		GroupID string
	}

	// runStateEvent is the wire format of a run state-change event.
	runStateEvent struct {
		RunID     string    `json:"runId"`
		State     string    `json:"state"`
		EventTime time.Time `json:"eventTime"`
	}
)

// loadKafkaConfig loads consumer settings from environment variables.
func loadKafkaConfig() *kafkaConfig {
	return &kafkaConfig{
		Brokers: config.ParseCommaSeparatedList(
			config.GetEnvStr("TRACELINE_KAFKA_BROKERS", defaultBrokers)),
		Topic:   config.GetEnvStr("TRACELINE_KAFKA_TOPIC", defaultTopic),
		GroupID: config.GetEnvStr("TRACELINE_KAFKA_GROUP_ID", defaultGroupID),
	}
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s %s\n", name, api.Version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("TRACELINE_INGESTER_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Traceline ingester",
		slog.String("service", name),
		slog.String("version", api.Version),
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

	partitionManager, err := storage.NewPartitionManager(dbConn)
	if err != nil {
		logger.Error("Failed to create partition manager", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	maintenanceService, err := storage.NewMaintenanceService(dbConn, partitionManager)
	if err != nil {
		logger.Error("Failed to create maintenance service", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	kafkaCfg := loadKafkaConfig()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kafkaCfg.Brokers,
		Topic:          kafkaCfg.Topic,
		GroupID:        kafkaCfg.GroupID,
		MinBytes:       defaultMinBytes,
		MaxBytes:       defaultMaxBytes,
		CommitInterval: 0, // synchronous commits; population must precede the commit
	})

	defer func() {
		_ = reader.Close()
	}()

	logger.Info("Kafka consumer initialized",
		slog.Any("brokers", kafkaCfg.Brokers),
		slog.String("topic", kafkaCfg.Topic),
		slog.String("group_id", kafkaCfg.GroupID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consume(ctx, reader, maintenanceService, logger); err != nil {
		logger.Error("Ingester stopped with error", slog.String("error", err.Error()))

		_ = reader.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Traceline ingester stopped")
}

// consume reads run-state events until the context is cancelled.
//
// Processing failures for individual events are logged and skipped rather than
// blocking the partition; the run can always be repopulated through the admin
// API. Only fetch and commit failures stop the consumer.
func consume(
	ctx context.Context,
	reader *kafka.Reader,
	maintenance *storage.MaintenanceService,
	logger *slog.Logger,
) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := processMessage(ctx, maintenance, msg.Value); err != nil {
			logger.Warn("Skipping unprocessable run event",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}

		commitCtx, cancel := context.WithTimeout(context.Background(), defaultCommitTimeout)

		err = reader.CommitMessages(commitCtx, msg)

		cancel()

		if err != nil {
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// processMessage decodes one run-state event and populates lineage when the
// state transition requires it. Non-terminal states are a no-op.
func processMessage(ctx context.Context, maintenance *storage.MaintenanceService, value []byte) error {
	var event runStateEvent

	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}

	state := metadata.RunState(event.State)
	if !state.IsValid() {
		return fmt.Errorf("unknown run state: %q", event.State)
	}

	if !state.TriggersLineage() {
		return nil
	}

	runID, err := uuid.Parse(event.RunID)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", event.RunID, err)
	}

	if err := maintenance.PopulateLineageForRun(ctx, runID); err != nil {
		return fmt.Errorf("failed to populate lineage for run %s: %w", runID, err)
	}

	return nil
}
