// Package ledger declares the durable record of harvest runs, visited points
// and persisted entity files.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("ledger: run not found")

// RunStatus mirrors the harvest_runs status column.
type RunStatus string

// Run statuses persisted in harvest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// PointStatus is the terminal outcome of one parameter point.
type PointStatus string

// Point statuses persisted in harvest_points.status.
const (
	PointDone   PointStatus = "done"
	PointFailed PointStatus = "failed"
)

// Run models one harvest_runs row plus point tallies.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	PointsDone   int64
	PointsFailed int64
	Entities     int64
}

// PointRecord is the terminal record of one parameter point.
type PointRecord struct {
	RunID    uuid.UUID
	Point    string
	Entity   string
	Status   PointStatus
	Attempts int
	Tables   int
	Rows     int64
	Error    *string
	At       time.Time
}

// EntityRecord describes one persisted merged table.
type EntityRecord struct {
	RunID   uuid.UUID
	Entity  string
	Label   string
	URI     string
	SHA256  string
	Rows    int
	Columns int
	Flagged int
	At      time.Time
}

// Ledger persists run progress. Implementations must be safe for concurrent use.
type Ledger interface {
	// StartRun inserts (or idempotently keeps) the running row.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// FinishRun marks the run finished with the provided status and error.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// RecordPoint upserts the terminal outcome of one point.
	RecordPoint(ctx context.Context, rec PointRecord) error
	// RecordEntity upserts the persisted file for one entity.
	RecordEntity(ctx context.Context, rec EntityRecord) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	Close() error
}

// Nop discards every write. GetRun always reports ErrNotFound.
type Nop struct{}

var _ Ledger = Nop{}

// StartRun implements Ledger.
func (Nop) StartRun(context.Context, uuid.UUID, time.Time) error { return nil }

// FinishRun implements Ledger.
func (Nop) FinishRun(context.Context, uuid.UUID, time.Time, RunStatus, *string) error { return nil }

// RecordPoint implements Ledger.
func (Nop) RecordPoint(context.Context, PointRecord) error { return nil }

// RecordEntity implements Ledger.
func (Nop) RecordEntity(context.Context, EntityRecord) error { return nil }

// GetRun implements Ledger.
func (Nop) GetRun(context.Context, uuid.UUID) (Run, error) { return Run{}, ErrNotFound }

// Close implements Ledger.
func (Nop) Close() error { return nil }

// OptionalTime maps the zero time to nil.
func OptionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// OptionalString maps the empty string to nil.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
