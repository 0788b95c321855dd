// Package progress defines the event structures emitted while a harvest runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StagePointStart   Stage = "POINT_START"
	StagePointRetry   Stage = "POINT_RETRY"
	StagePointAlert   Stage = "POINT_ALERT"
	StagePointDone    Stage = "POINT_DONE"
	StagePointFailed  Stage = "POINT_FAILED"
	StageEntityMerged Stage = "ENTITY_MERGED"
)

// Event captures a single milestone of a harvest run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or point milestone occurred.
	Stage Stage
	// Point is the parameter point key for point stages.
	Point string
	// Entity is the entity value the event belongs to, when known.
	Entity string
	// Attempt is the 1-based attempt number for point stages.
	Attempt int
	// Tables counts extracted tables on POINT_DONE.
	Tables int
	// Rows counts extracted or merged rows.
	Rows int64
	// Dur captures point latency or total run duration.
	Dur time.Duration
	// Note carries low-volume context such as alert or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePointStart, StagePointRetry, StagePointAlert, StagePointDone, StagePointFailed:
		if e.Point == "" {
			return fmt.Errorf("%s requires point", e.Stage)
		}
	case StageEntityMerged:
		if e.Entity == "" {
			return errors.New("entity merged requires entity")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
