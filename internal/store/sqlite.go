// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Keeps the batch ledger and gateway thread mapping with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS gateway_threads (
			channel_id        TEXT NOT NULL,
			thread_ts         TEXT NOT NULL,
			gateway_thread_id TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			PRIMARY KEY (channel_id, thread_ts)
		);

		CREATE TABLE IF NOT EXISTS batches (
			id                TEXT PRIMARY KEY,
			platform          TEXT NOT NULL,
			channel_id        TEXT NOT NULL,
			thread_ts         TEXT NOT NULL,
			message_count     INTEGER NOT NULL,
			attachment_count  INTEGER NOT NULL DEFAULT 0,
			gateway_thread_id TEXT,
			status            TEXT NOT NULL,
			error             TEXT,
			drained_at        TEXT NOT NULL,
			delivered_at      TEXT,

			CHECK (status IN ('delivered', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_batches_thread
			ON batches(channel_id, thread_ts, drained_at);

		CREATE INDEX IF NOT EXISTS idx_batches_drained
			ON batches(drained_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema.
// SQLite has no ADD COLUMN IF NOT EXISTS, so each one is checked first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "batches",
			column: "attachment_count",
			apply:  `ALTER TABLE batches ADD COLUMN attachment_count INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordBatch inserts or replaces a ledger row.
func (s *SQLiteStore) RecordBatch(ctx context.Context, rec *BatchRecord) error {
	query := `
		INSERT OR REPLACE INTO batches (
			id, platform, channel_id, thread_ts, message_count, attachment_count,
			gateway_thread_id, status, error, drained_at, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var deliveredAt sql.NullString
	if rec.DeliveredAt != nil {
		deliveredAt = sql.NullString{String: formatTime(*rec.DeliveredAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Platform,
		rec.ChannelID,
		rec.ThreadTS,
		rec.MessageCount,
		rec.AttachmentCount,
		nullString(rec.GatewayThreadID),
		rec.Status,
		nullString(rec.Error),
		formatTime(rec.DrainedAt),
		deliveredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}
	return nil
}

// ListBatches returns ledger rows newest first.
func (s *SQLiteStore) ListBatches(ctx context.Context, channelID, threadTS string, limit int) ([]*BatchRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var where []string
	var args []any
	if channelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, channelID)
		if threadTS != "" {
			where = append(where, "thread_ts = ?")
			args = append(args, threadTS)
		}
	}

	query := `
		SELECT id, platform, channel_id, thread_ts, message_count, attachment_count,
			gateway_thread_id, status, error, drained_at, delivered_at
		FROM batches
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY drained_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchRecord
	for rows.Next() {
		var rec BatchRecord
		var gatewayThreadID, errText, deliveredAt sql.NullString
		var drainedAt string

		if err := rows.Scan(
			&rec.ID,
			&rec.Platform,
			&rec.ChannelID,
			&rec.ThreadTS,
			&rec.MessageCount,
			&rec.AttachmentCount,
			&gatewayThreadID,
			&rec.Status,
			&errText,
			&drainedAt,
			&deliveredAt,
		); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}

		rec.GatewayThreadID = gatewayThreadID.String
		rec.Error = errText.String
		if rec.DrainedAt, err = time.Parse(timeFormat, drainedAt); err != nil {
			return nil, fmt.Errorf("parsing drained_at: %w", err)
		}
		if deliveredAt.Valid {
			t, err := time.Parse(timeFormat, deliveredAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing delivered_at: %w", err)
			}
			rec.DeliveredAt = &t
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batches: %w", err)
	}
	return out, nil
}

// GetGatewayThread returns the gateway thread bound to a chat thread.
func (s *SQLiteStore) GetGatewayThread(ctx context.Context, channelID, threadTS string) (string, error) {
	var gatewayThreadID string
	err := s.db.QueryRowContext(ctx,
		`SELECT gateway_thread_id FROM gateway_threads WHERE channel_id = ? AND thread_ts = ?`,
		channelID, threadTS,
	).Scan(&gatewayThreadID)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying gateway thread: %w", err)
	}
	return gatewayThreadID, nil
}

// SetGatewayThread binds a chat thread to a gateway thread, replacing any previous binding.
func (s *SQLiteStore) SetGatewayThread(ctx context.Context, channelID, threadTS, gatewayThreadID string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_threads (channel_id, thread_ts, gateway_thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, thread_ts) DO UPDATE SET
			gateway_thread_id = excluded.gateway_thread_id,
			updated_at = excluded.updated_at
	`, channelID, threadTS, gatewayThreadID, now, now)
	if err != nil {
		return fmt.Errorf("upserting gateway thread: %w", err)
	}
	return nil
}

// timeFormat is fixed width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*SQLiteStore)(nil)
