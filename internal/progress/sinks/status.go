package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/portal-harvester/internal/progress"
)

// RunState is the lifecycle of the most recent run seen by a StatusSink.
type RunState string

// Run states reported by the status view.
const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
	StateDone    RunState = "done"
	StateError   RunState = "error"
)

// RunStatus is a point-in-time view of the latest run.
type RunStatus struct {
	RunID        uuid.UUID  `json:"run_id"`
	State        RunState   `json:"state"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	PointsDone   int        `json:"points_done"`
	PointsFailed int        `json:"points_failed"`
	Retries      int        `json:"retries"`
	Alerts       int        `json:"alerts"`
	Rows         int64      `json:"rows"`
	Entities     []string   `json:"entities_merged"`
	LastPoint    string     `json:"last_point,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// StatusSink folds events into a RunStatus for the HTTP status surface.
type StatusSink struct {
	mu     sync.RWMutex
	status RunStatus
}

// NewStatusSink returns a sink reporting the idle state.
func NewStatusSink() *StatusSink {
	return &StatusSink{status: RunStatus{State: StateIdle}}
}

// Consume applies the batch to the current status.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *StatusSink) apply(evt progress.Event) {
	if evt.Stage == progress.StageRunStart {
		ts := evt.TS
		s.status = RunStatus{RunID: evt.RunUUID(), State: StateRunning, StartedAt: &ts}
		return
	}
	// Events from an older run are ignored once a new run started.
	if s.status.RunID != uuid.Nil && evt.RunUUID() != s.status.RunID {
		return
	}
	switch evt.Stage {
	case progress.StagePointStart:
		s.status.LastPoint = evt.Point
	case progress.StagePointDone:
		s.status.PointsDone++
		s.status.Rows += evt.Rows
	case progress.StagePointFailed:
		s.status.PointsFailed++
	case progress.StagePointRetry:
		s.status.Retries++
	case progress.StagePointAlert:
		s.status.Alerts++
	case progress.StageEntityMerged:
		s.status.Entities = append(s.status.Entities, evt.Entity)
	case progress.StageRunDone, progress.StageRunError:
		ts := evt.TS
		s.status.FinishedAt = &ts
		s.status.State = StateDone
		if evt.Stage == progress.StageRunError {
			s.status.State = StateError
			s.status.Error = evt.Note
		}
	}
}

// Snapshot returns a copy of the current status.
func (s *StatusSink) Snapshot() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.status
	out.Entities = append([]string(nil), s.status.Entities...)
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}
