// Package postgres provides the Postgres-backed run ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/portal-harvester/internal/ledger"
)

var validPrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ledger writes run, point and entity rows into Postgres.
type Ledger struct {
	pool     pool
	runs     string
	points   string
	entities string
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates a Postgres-backed Ledger using the provided config.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	return l, nil
}

// NewWithPool constructs a ledger from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "harvest"
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Ledger{
		pool:     p,
		runs:     prefix + "_runs",
		points:   prefix + "_points",
		entities: prefix + "_entities",
	}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() error {
	if l == nil || l.pool == nil {
		return nil
	}
	l.pool.Close()
	return nil
}

// Migrate creates the ledger tables when they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id uuid PRIMARY KEY,
	started_at timestamptz NOT NULL,
	finished_at timestamptz,
	status text NOT NULL,
	error_message text
)`, l.runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id uuid NOT NULL,
	point text NOT NULL,
	entity text NOT NULL,
	status text NOT NULL,
	attempts integer NOT NULL,
	tables integer NOT NULL,
	rows_extracted bigint NOT NULL,
	error_message text,
	recorded_at timestamptz NOT NULL,
	PRIMARY KEY (run_id, point)
)`, l.points),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id uuid NOT NULL,
	entity text NOT NULL,
	label text NOT NULL,
	uri text NOT NULL,
	sha256 text NOT NULL,
	rows_merged integer NOT NULL,
	columns_merged integer NOT NULL,
	flagged integer NOT NULL,
	recorded_at timestamptz NOT NULL,
	PRIMARY KEY (run_id, entity)
)`, l.entities),
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

// StartRun inserts the run row in running status.
func (l *Ledger) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, l.runs)
	if _, err := l.pool.Exec(ctx, query, runID, startedAt, string(ledger.RunRunning)); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks a run as completed with a status and optional error message.
func (l *Ledger) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status ledger.RunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, error_message = $3
WHERE id = $4`, l.runs)
	tag, err := l.pool.Exec(ctx, query, finishedAt, string(status), errMsg, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ledger.ErrNotFound)
	}
	return nil
}

// RecordPoint upserts the terminal outcome of a point.
func (l *Ledger) RecordPoint(ctx context.Context, rec ledger.PointRecord) error {
	if rec.Point == "" {
		return fmt.Errorf("point key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, point, entity, status, attempts, tables, rows_extracted, error_message, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (run_id, point) DO UPDATE SET
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	tables = EXCLUDED.tables,
	rows_extracted = EXCLUDED.rows_extracted,
	error_message = EXCLUDED.error_message,
	recorded_at = EXCLUDED.recorded_at`, l.points)
	args := []any{
		rec.RunID,
		rec.Point,
		rec.Entity,
		string(rec.Status),
		rec.Attempts,
		rec.Tables,
		rec.Rows,
		rec.Error,
		rec.At,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record point: %w", err)
	}
	return nil
}

// RecordEntity upserts the persisted merged table for an entity.
func (l *Ledger) RecordEntity(ctx context.Context, rec ledger.EntityRecord) error {
	if rec.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, entity, label, uri, sha256, rows_merged, columns_merged, flagged, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (run_id, entity) DO UPDATE SET
	label = EXCLUDED.label,
	uri = EXCLUDED.uri,
	sha256 = EXCLUDED.sha256,
	rows_merged = EXCLUDED.rows_merged,
	columns_merged = EXCLUDED.columns_merged,
	flagged = EXCLUDED.flagged,
	recorded_at = EXCLUDED.recorded_at`, l.entities)
	args := []any{
		rec.RunID,
		rec.Entity,
		rec.Label,
		rec.URI,
		rec.SHA256,
		rec.Rows,
		rec.Columns,
		rec.Flagged,
		rec.At,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record entity: %w", err)
	}
	return nil
}

// GetRun loads a run with its point and entity tallies.
func (l *Ledger) GetRun(ctx context.Context, runID uuid.UUID) (ledger.Run, error) {
	query := fmt.Sprintf(`
SELECT r.started_at,
	coalesce(r.finished_at, 'epoch'::timestamptz),
	r.status,
	coalesce(r.error_message, ''),
	(SELECT count(*) FROM %[2]s p WHERE p.run_id = r.id AND p.status = 'done'),
	(SELECT count(*) FROM %[2]s p WHERE p.run_id = r.id AND p.status = 'failed'),
	(SELECT count(*) FROM %[3]s e WHERE e.run_id = r.id)
FROM %[1]s r
WHERE r.id = $1`, l.runs, l.points, l.entities)

	var (
		run        = ledger.Run{ID: runID}
		finishedAt time.Time
		status     string
		errMsg     string
	)
	err := l.pool.QueryRow(ctx, query, runID).Scan(
		&run.StartedAt,
		&finishedAt,
		&status,
		&errMsg,
		&run.PointsDone,
		&run.PointsFailed,
		&run.Entities,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Run{}, fmt.Errorf("run %s: %w", runID, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Run{}, fmt.Errorf("get run: %w", err)
	}
	run.Status = ledger.RunStatus(status)
	if finishedAt.Unix() != 0 {
		run.FinishedAt = &finishedAt
	}
	run.ErrorMessage = ledger.OptionalString(errMsg)
	return run, nil
}
