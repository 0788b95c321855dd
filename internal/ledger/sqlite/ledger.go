// Package sqlite provides a single-file run ledger for local harvests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/portal-harvester/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS harvest_runs (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS harvest_points (
	run_id TEXT NOT NULL,
	point TEXT NOT NULL,
	entity TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	tables INTEGER NOT NULL,
	rows_extracted INTEGER NOT NULL,
	error_message TEXT,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (run_id, point)
);
CREATE TABLE IF NOT EXISTS harvest_entities (
	run_id TEXT NOT NULL,
	entity TEXT NOT NULL,
	label TEXT NOT NULL,
	uri TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	rows_merged INTEGER NOT NULL,
	columns_merged INTEGER NOT NULL,
	flagged INTEGER NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (run_id, entity)
);`

// Ledger stores run progress in a SQLite database file.
type Ledger struct {
	db *sql.DB
}

var _ ledger.Ledger = (*Ledger)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger.path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// StartRun inserts the run row in running status.
func (l *Ledger) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO harvest_runs (id, started_at, status) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		runID.String(), formatTime(startedAt), string(ledger.RunRunning))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks the run finished.
func (l *Ledger) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status ledger.RunStatus,
	errMsg *string,
) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE harvest_runs SET finished_at = ?, status = ?, error_message = ? WHERE id = ?`,
		formatTime(finishedAt), string(status), nullString(errMsg), runID.String())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ledger.ErrNotFound)
	}
	return nil
}

// RecordPoint upserts the terminal outcome of a point.
func (l *Ledger) RecordPoint(ctx context.Context, rec ledger.PointRecord) error {
	if rec.Point == "" {
		return fmt.Errorf("point key is required")
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO harvest_points (run_id, point, entity, status, attempts, tables, rows_extracted, error_message, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, point) DO UPDATE SET
	status = excluded.status,
	attempts = excluded.attempts,
	tables = excluded.tables,
	rows_extracted = excluded.rows_extracted,
	error_message = excluded.error_message,
	recorded_at = excluded.recorded_at`,
		rec.RunID.String(), rec.Point, rec.Entity, string(rec.Status), rec.Attempts, rec.Tables,
		rec.Rows, nullString(rec.Error), formatTime(rec.At))
	if err != nil {
		return fmt.Errorf("record point: %w", err)
	}
	return nil
}

// RecordEntity upserts the persisted merged table for an entity.
func (l *Ledger) RecordEntity(ctx context.Context, rec ledger.EntityRecord) error {
	if rec.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO harvest_entities (run_id, entity, label, uri, sha256, rows_merged, columns_merged, flagged, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, entity) DO UPDATE SET
	label = excluded.label,
	uri = excluded.uri,
	sha256 = excluded.sha256,
	rows_merged = excluded.rows_merged,
	columns_merged = excluded.columns_merged,
	flagged = excluded.flagged,
	recorded_at = excluded.recorded_at`,
		rec.RunID.String(), rec.Entity, rec.Label, rec.URI, rec.SHA256, rec.Rows, rec.Columns,
		rec.Flagged, formatTime(rec.At))
	if err != nil {
		return fmt.Errorf("record entity: %w", err)
	}
	return nil
}

// GetRun loads a run with its tallies.
func (l *Ledger) GetRun(ctx context.Context, runID uuid.UUID) (ledger.Run, error) {
	var (
		started  string
		finished sql.NullString
		status   string
		errMsg   sql.NullString
		run      = ledger.Run{ID: runID}
	)
	err := l.db.QueryRowContext(ctx, `
SELECT r.started_at, r.finished_at, r.status, r.error_message,
	(SELECT count(*) FROM harvest_points p WHERE p.run_id = r.id AND p.status = 'done'),
	(SELECT count(*) FROM harvest_points p WHERE p.run_id = r.id AND p.status = 'failed'),
	(SELECT count(*) FROM harvest_entities e WHERE e.run_id = r.id)
FROM harvest_runs r WHERE r.id = ?`, runID.String()).Scan(
		&started, &finished, &status, &errMsg, &run.PointsDone, &run.PointsFailed, &run.Entities)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Run{}, fmt.Errorf("run %s: %w", runID, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Run{}, fmt.Errorf("get run: %w", err)
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return ledger.Run{}, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return ledger.Run{}, err
		}
		run.FinishedAt = &t
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	run.Status = ledger.RunStatus(status)
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ledger time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
