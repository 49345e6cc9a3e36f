package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dietrichmax/colota/internal/types"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// depthCacheTTL bounds how stale the lazily-refreshed queue-depth counter
// may get between invalidations.
const depthCacheTTL = 5 * time.Second

// SQLiteStore is the SQLite-backed durable queue.
type SQLiteStore struct {
	db *sql.DB

	// Queue-depth cache: value and expiry are read/written from multiple
	// goroutines without a lock; brief staleness is accepted.
	depth       atomic.Int64
	depthExpiry atomic.Int64 // unix nanos, 0 = invalid
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers unblocked while a writer transaction is open.
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertFixWithQueueEntry persists a fix and its outbox entry in one
// transaction. The fix cannot exist without a pending delivery attempt.
func (s *SQLiteStore) InsertFixWithQueueEntry(ctx context.Context, fix types.LocationFix, payload string) (*types.LocationFix, *types.OutboxEntry, error) {
	now := time.Now().UTC()
	fix.ID = ulid.Make().String()
	fix.CreatedAt = now
	fix.Delivered = false

	entry := types.OutboxEntry{
		ID:         ulid.Make().String(),
		LocationID: fix.ID,
		Payload:    payload,
		RetryCount: 0,
		CreatedAt:  now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO locations (id, latitude, longitude, accuracy, altitude, speed, bearing, battery, battery_status, tst, endpoint, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, fix.ID, fix.Latitude, fix.Longitude, fix.Accuracy, fix.Altitude, fix.Speed, fix.Bearing,
		fix.Battery, fix.BatteryStatus, fix.Timestamp, fix.Endpoint, now.Format(time.RFC3339))
	if err != nil {
		return nil, nil, fmt.Errorf("insert location: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue (id, location_id, payload, retry_count, last_error, created_at)
		VALUES (?, ?, ?, 0, NULL, ?)
	`, entry.ID, entry.LocationID, entry.Payload, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, nil, fmt.Errorf("insert queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.invalidateDepth()
	return &fix, &entry, nil
}

// DequeueBatch returns up to limit entries, never-failed entries first so a
// poisoned item cannot starve the rest of the queue.
func (s *SQLiteStore) DequeueBatch(ctx context.Context, limit int) ([]types.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_id, payload, retry_count, last_error, created_at
		FROM queue
		ORDER BY retry_count ASC, created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var entries []types.OutboxEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

// MarkDelivered removes the queue entries and flags their fixes as delivered,
// in one transaction.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders, args := idList(entryIDs)

	_, err = tx.ExecContext(ctx, `
		UPDATE locations SET delivered = 1
		WHERE id IN (SELECT location_id FROM queue WHERE id IN (`+placeholders+`))
	`, args...)
	if err != nil {
		return fmt.Errorf("mark locations delivered: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM queue WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete queue entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.invalidateDepth()
	return nil
}

// RecordFailure increments the entry's retry count and records the error.
// Returns the new retry count.
func (s *SQLiteStore) RecordFailure(ctx context.Context, entryID string, lastError string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?
	`, lastError, entryID)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM queue WHERE id = ?`, entryID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}

	return count, nil
}

// DropEntries removes queue entries without touching their fixes. Used for
// permanent failures; the location rows remain for history.
func (s *SQLiteStore) DropEntries(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}

	placeholders, args := idList(entryIDs)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("drop queue entries: %w", err)
	}

	s.invalidateDepth()
	return nil
}

// QueueDepth returns the number of pending queue entries. The count is cached
// and refreshed lazily; enqueue and dequeue operations invalidate it.
func (s *SQLiteStore) QueueDepth(ctx context.Context) (int64, error) {
	if expiry := s.depthExpiry.Load(); expiry > 0 && time.Now().UnixNano() < expiry {
		return s.depth.Load(), nil
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}

	s.depth.Store(count)
	s.depthExpiry.Store(time.Now().Add(depthCacheTTL).UnixNano())
	return count, nil
}

func (s *SQLiteStore) invalidateDepth() {
	s.depthExpiry.Store(0)
}

// ClearQueue deletes undelivered fixes; the foreign-key cascade removes their
// queue entries. Delivered history is untouched.
func (s *SQLiteStore) ClearQueue(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE delivered = 0`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	s.invalidateDepth()
	return affected, nil
}

// ClearSentHistory deletes delivered fixes, the exact complement of ClearQueue.
func (s *SQLiteStore) ClearSentHistory(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE delivered = 1`)
	if err != nil {
		return 0, fmt.Errorf("clear sent history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return affected, nil
}

// PurgeOlderThan deletes fixes captured before cutoff. Dependent queue
// entries are removed by the cascade.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE tst < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge locations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	s.invalidateDepth()
	return affected, nil
}

// BackupTo writes a consistent copy of the database to path using
// VACUUM INTO, which works alongside concurrent WAL readers and writers.
func (s *SQLiteStore) BackupTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

// scanQueueEntry scans a row into an OutboxEntry.
func scanQueueEntry(scanner interface{ Scan(...any) error }) (*types.OutboxEntry, error) {
	var entry types.OutboxEntry
	var lastError sql.NullString
	var createdAt string

	err := scanner.Scan(
		&entry.ID,
		&entry.LocationID,
		&entry.Payload,
		&entry.RetryCount,
		&lastError,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		entry.LastError = lastError.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}

	return &entry, nil
}

// idList builds a placeholder string and argument slice for an IN clause.
func idList(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}
