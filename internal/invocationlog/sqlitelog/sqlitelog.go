// Package sqlitelog stores invocation records in a SQLite database.
package sqlitelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/fnhost/internal/invocationlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations_running (
	id TEXT PRIMARY KEY,
	function_name TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	function_name TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	failure_kind TEXT,
	parent_id TEXT,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS invocations_function_start ON invocations (function_name, start_time);
`

// Store implements invocationlog.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlitelog: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitelog: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitelog: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogStarted inserts the running record. The returned log id is the
// instance id.
func (s *Store) LogStarted(ctx context.Context, instance *invocationlog.FunctionInstance) (string, error) {
	if instance == nil || instance.ID == "" {
		return "", fmt.Errorf("sqlitelog: instance id required")
	}
	record, err := json.Marshal(instance)
	if err != nil {
		return "", fmt.Errorf("sqlitelog: encode %s: %w", instance.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO invocations_running (id, function_name, start_time, record) VALUES (?, ?, ?, ?)`,
		instance.ID, instance.FunctionName, instance.StartTime.UnixNano(), string(record))
	if err != nil {
		return "", fmt.Errorf("sqlitelog: log started %s: %w", instance.ID, err)
	}
	return instance.ID, nil
}

// LogCompleted inserts the terminal record.
func (s *Store) LogCompleted(ctx context.Context, instance *invocationlog.FunctionInstance) error {
	if instance == nil || !instance.Completed() {
		return fmt.Errorf("sqlitelog: completed instance required")
	}
	record, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("sqlitelog: encode %s: %w", instance.ID, err)
	}
	var failureKind sql.NullString
	if instance.Failure != nil {
		failureKind = sql.NullString{String: instance.Failure.Kind, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO invocations (id, function_name, start_time, end_time, succeeded, failure_kind, parent_id, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.FunctionName, instance.StartTime.UnixNano(), instance.EndTime.UnixNano(),
		instance.Succeeded, failureKind, instance.ParentID, string(record))
	if err != nil {
		return fmt.Errorf("sqlitelog: log completed %s: %w", instance.ID, err)
	}
	return nil
}

// DeleteStarted removes the running record.
func (s *Store) DeleteStarted(ctx context.Context, logID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM invocations_running WHERE id = ?`, logID); err != nil {
		return fmt.Errorf("sqlitelog: delete started %s: %w", logID, err)
	}
	return nil
}

// Query returns completed records matching filter, oldest first. With a
// limit the newest records are kept.
func (s *Store) Query(ctx context.Context, filter invocationlog.Filter) ([]*invocationlog.FunctionInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.FunctionName != "" {
		where = append(where, "function_name = ?")
		args = append(args, filter.FunctionName)
	}
	if !filter.Since.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "start_time < ?")
		args = append(args, filter.Until.UnixNano())
	}
	query := `SELECT record FROM invocations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id DESC"
	if filter.Limit > 0 && filter.Where == nil {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	out, err := s.scan(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return filter.Refine(ctx, out)
}

// Running returns records started but not yet deleted.
func (s *Store) Running(ctx context.Context) ([]*invocationlog.FunctionInstance, error) {
	return s.scan(ctx, `SELECT record FROM invocations_running ORDER BY start_time, id`)
}

// Purge deletes completed records that started before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE start_time < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlitelog: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) scan(ctx context.Context, query string, args ...any) ([]*invocationlog.FunctionInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitelog: query: %w", err)
	}
	defer rows.Close()
	var out []*invocationlog.FunctionInstance
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("sqlitelog: scan: %w", err)
		}
		var fi invocationlog.FunctionInstance
		if err := json.Unmarshal([]byte(record), &fi); err != nil {
			return nil, fmt.Errorf("sqlitelog: decode: %w", err)
		}
		out = append(out, &fi)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlitelog: rows: %w", err)
	}
	return out, nil
}
