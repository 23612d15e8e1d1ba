package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/traceline-io/traceline/internal/config"
)

// Sentinel errors for partition management.
var (
	// ErrPartitionCreateFailed is returned when partition DDL fails.
	ErrPartitionCreateFailed = errors.New("partition creation failed")

	// ErrPartitionDropFailed is returned when partition retention DDL fails.
	ErrPartitionDropFailed = errors.New("partition drop failed")

	// ErrUnknownPartitionedTable is returned for tables outside the managed set.
	ErrUnknownPartitionedTable = errors.New("unknown partitioned table")
)

// PostgreSQL error code for "relation already exists" (duplicate_table).
// A concurrent CREATE TABLE racing on the same partition surfaces this code;
// it means another writer won the race and the partition exists.
const pgDuplicateTable = "42P07"

// Partition naming: <table>_y<YYYY>m<MM>. The name carries the full range so
// retention can be decided from catalog names alone, without parsing bounds.
var partitionNameRegex = regexp.MustCompile(`^(run_lineage|parent_run_lineage)_y(\d{4})m(\d{2})$`)

// partitionedTables is the managed set. DDL is refused for anything else so a
// bad admin request can never create stray tables.
var partitionedTables = map[string]bool{
	"run_lineage":        true,
	"parent_run_lineage": true,
}

// PartitionStatus reports the outcome of an idempotent ensure operation.
type PartitionStatus string

const (
	// PartitionCreated means this call created the partition.
	PartitionCreated PartitionStatus = "created"

	// PartitionExists means the partition was already present.
	PartitionExists PartitionStatus = "exists"

	// PartitionDropped means the partition was removed by retention.
	PartitionDropped PartitionStatus = "dropped"
)

type (
	// PartitionManager owns the lifecycle of the monthly RANGE partitions
	// backing the denormalized lineage tables: creation ahead of writes,
	// per-partition indexes, and retention drops.
	//
	// All DDL is idempotent and race-safe; concurrent callers converge on the
	// same catalog state.
	PartitionManager struct {
		conn   *Connection
		logger *slog.Logger
	}

	// PartitionResult describes one partition touched by a manager operation.
	PartitionResult struct {
		Table  string          `json:"table"`
		Name   string          `json:"name"`
		Status PartitionStatus `json:"status"`
		From   time.Time       `json:"from"`
		To     time.Time       `json:"to"`
	}
)

// NewPartitionManager creates a partition manager.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewPartitionManager(conn *Connection) (*PartitionManager, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PartitionManager{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// PartitionName returns the partition name covering the given date:
// <table>_y<YYYY>m<MM> in UTC.
func PartitionName(table string, date time.Time) string {
	date = date.UTC()

	return fmt.Sprintf("%s_y%04dm%02d", table, date.Year(), int(date.Month()))
}

// monthRange returns the [first of month, first of next month) bounds for date.
func monthRange(date time.Time) (time.Time, time.Time) {
	date = date.UTC()
	from := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)

	return from, from.AddDate(0, 1, 0)
}

// EnsurePartitionExists creates the monthly partition covering date, together
// with its hot-path indexes, if it does not already exist.
//
// Safe to call concurrently and repeatedly: a duplicate_table error from a
// racing creator is treated as success, and index creation uses IF NOT EXISTS.
// Every write path calls this before inserting, so late-arriving events for
// an old month materialize their partition on demand.
func (m *PartitionManager) EnsurePartitionExists(
	ctx context.Context,
	table string,
	date time.Time,
) (*PartitionResult, error) {
	if !partitionedTables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartitionedTable, table)
	}

	name := PartitionName(table, date)
	from, to := monthRange(date)

	result := &PartitionResult{
		Table:  table,
		Name:   name,
		Status: PartitionCreated,
		From:   from,
		To:     to,
	}

	ddl := fmt.Sprintf(
		`CREATE TABLE %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		pq.QuoteIdentifier(name),
		pq.QuoteIdentifier(table),
		from.Format("2006-01-02"),
		to.Format("2006-01-02"),
	)

	_, err := m.conn.ExecContext(ctx, ddl)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgDuplicateTable {
			result.Status = PartitionExists
		} else {
			return nil, fmt.Errorf("%w: %s: %w", ErrPartitionCreateFailed, name, err)
		}
	}

	if err := m.createPartitionIndexes(ctx, name); err != nil {
		return nil, err
	}

	if result.Status == PartitionCreated {
		m.logger.Info("Created lineage partition",
			slog.String("table", table),
			slog.String("partition", name))
	}

	return result, nil
}

// createPartitionIndexes creates the three hot-path indexes on a partition:
// run_date pruning, job identity lookups, and state/created-time scans.
func (m *PartitionManager) createPartitionIndexes(ctx context.Context, name string) error {
	indexes := []struct {
		suffix  string
		columns string
	}{
		{"run_date", "(run_date)"},
		{"job", "(job_namespace, job_name)"},
		{"state_created", "(state, created_at)"},
	}

	for _, idx := range indexes {
		ddl := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s %s`,
			pq.QuoteIdentifier(fmt.Sprintf("idx_%s_%s", name, idx.suffix)),
			pq.QuoteIdentifier(name),
			idx.columns,
		)

		if _, err := m.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("%w: index on %s: %w", ErrPartitionCreateFailed, name, err)
		}
	}

	return nil
}

// CreatePartitionsForPeriod ensures partitions exist for every month in
// [from, to], inclusive of both endpoints' months. Used by the admin API to
// pre-create partitions ahead of a backfill or a known traffic window.
func (m *PartitionManager) CreatePartitionsForPeriod(
	ctx context.Context,
	table string,
	from, to time.Time,
) ([]PartitionResult, error) {
	if !partitionedTables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartitionedTable, table)
	}

	if to.Before(from) {
		from, to = to, from
	}

	var results []PartitionResult

	first, _ := monthRange(from)
	last, _ := monthRange(to)

	for month := first; !month.After(last); month = month.AddDate(0, 1, 0) {
		result, err := m.EnsurePartitionExists(ctx, table, month)
		if err != nil {
			return results, err
		}

		results = append(results, *result)
	}

	return results, nil
}

// DropPartitionsOlderThan drops partitions whose entire range falls strictly
// before the cutoff date's month.
//
// Candidate names come from the catalog and must match the manager's naming
// scheme exactly; a table whose name merely resembles a partition is skipped
// and logged, never dropped. The partition covering the cutoff itself is
// always retained.
func (m *PartitionManager) DropPartitionsOlderThan(
	ctx context.Context,
	table string,
	cutoff time.Time,
) ([]PartitionResult, error) {
	if !partitionedTables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartitionedTable, table)
	}

	const query = `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
		ORDER BY c.relname`

	rows, err := m.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("%w: list partitions of %s: %w", ErrPartitionDropFailed, table, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrPartitionDropFailed, err)
		}

		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrPartitionDropFailed, err)
	}

	cutoffMonth, _ := monthRange(cutoff)

	var results []PartitionResult

	for _, name := range names {
		from, to, ok := parsePartitionName(table, name)
		if !ok {
			m.logger.Warn("Skipping table with unrecognized partition name",
				slog.String("table", table),
				slog.String("name", name))

			continue
		}

		if !to.After(cutoffMonth) {
			ddl := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pq.QuoteIdentifier(name))
			if _, err := m.conn.ExecContext(ctx, ddl); err != nil {
				return results, fmt.Errorf("%w: %s: %w", ErrPartitionDropFailed, name, err)
			}

			m.logger.Info("Dropped expired lineage partition",
				slog.String("table", table),
				slog.String("partition", name))

			results = append(results, PartitionResult{
				Table:  table,
				Name:   name,
				Status: PartitionDropped,
				From:   from,
				To:     to,
			})
		}
	}

	return results, nil
}

// parsePartitionName recovers the month range from a partition name.
// Returns ok=false for names outside the strict naming scheme.
func parsePartitionName(table, name string) (time.Time, time.Time, bool) {
	matches := partitionNameRegex.FindStringSubmatch(name)
	if len(matches) != 4 || matches[1] != table {
		return time.Time{}, time.Time{}, false
	}

	var year, month int

	if _, err := fmt.Sscanf(matches[2]+" "+matches[3], "%d %d", &year, &month); err != nil {
		return time.Time{}, time.Time{}, false
	}

	if month < 1 || month > 12 {
		return time.Time{}, time.Time{}, false
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)

	return from, from.AddDate(0, 1, 0), true
}
