package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/taniwha3/swapdog/internal/controller"
	"github.com/taniwha3/swapdog/internal/logging"
	"github.com/taniwha3/swapdog/internal/models"
	_ "modernc.org/sqlite"
)

// recordTimeout bounds a journal write made from the control loop
const recordTimeout = 5 * time.Second

// Journal keeps a history of swap activation attempts in SQLite
type Journal struct {
	controller.NopObserver

	db     *sql.DB
	logger *slog.Logger
}

// NewJournal opens (or creates) the journal database at dbPath
func NewJournal(dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = logging.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// The journal is tiny; keep the cache small on memory-starved hosts
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-2000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// initSchema creates the database tables and indexes
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS activations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		device TEXT NOT NULL,
		threshold_percent REAL NOT NULL,
		used_percent REAL NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_activations_time ON activations(timestamp_ms);
	CREATE INDEX IF NOT EXISTS idx_activations_device ON activations(device, timestamp_ms);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Record saves a single activation attempt
func (j *Journal) Record(ctx context.Context, a *models.Activation) error {
	query := `
	INSERT INTO activations (timestamp_ms, run_id, device, threshold_percent, used_percent, duration_ms, error)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := j.db.ExecContext(ctx, query,
		a.TimestampMs,
		a.RunID,
		a.Device,
		a.ThresholdPercent,
		a.UsedPercent,
		a.DurationMs,
		a.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record activation: %w", err)
	}

	return nil
}

// Recent returns up to limit attempts, newest first. limit <= 0 returns all.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*models.Activation, error) {
	query := `SELECT timestamp_ms, run_id, device, threshold_percent, used_percent, duration_ms, error
	FROM activations ORDER BY timestamp_ms DESC, id DESC`
	var args []any

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activations: %w", err)
	}
	defer rows.Close()

	var out []*models.Activation
	for rows.Next() {
		a := &models.Activation{}
		err := rows.Scan(
			&a.TimestampMs,
			&a.RunID,
			&a.Device,
			&a.ThresholdPercent,
			&a.UsedPercent,
			&a.DurationMs,
			&a.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}

// CountFailures returns the number of failed attempts recorded for device
func (j *Journal) CountFailures(ctx context.Context, device string) (int64, error) {
	var count int64
	err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activations WHERE device = ? AND error != ''", device,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

// Count returns the total number of recorded attempts
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var count int64
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count activations: %w", err)
	}
	return count, nil
}

// ObserveActivation records attempts made by the control loop. A write
// failure is logged; it never stops the loop.
func (j *Journal) ObserveActivation(a *models.Activation) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := j.Record(ctx, a); err != nil {
		j.logger.Warn("Failed to journal activation",
			slog.String("device", a.Device),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return j.db.Close()
	}
	return nil
}
