package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-harvester/internal/progress"
)

func TestStatusSinkFoldsRun(t *testing.T) {
	t.Parallel()

	sink := NewStatusSink()
	require.Equal(t, StateIdle, sink.Snapshot().State)

	id := uuid.New()
	runID := progress.UUIDToBytes(id)
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StagePointStart, Point: "e=2|m=Jul"},
		{RunID: runID, TS: now, Stage: progress.StagePointAlert, Point: "e=2|m=Jul"},
		{RunID: runID, TS: now, Stage: progress.StagePointRetry, Point: "e=2|m=Jul"},
		{RunID: runID, TS: now, Stage: progress.StagePointDone, Point: "e=2|m=Jul", Rows: 7},
		{RunID: runID, TS: now, Stage: progress.StagePointFailed, Point: "e=3|m=Jul"},
		{RunID: runID, TS: now, Stage: progress.StageEntityMerged, Entity: "2"},
	}))

	snap := sink.Snapshot()
	require.Equal(t, id, snap.RunID)
	require.Equal(t, StateRunning, snap.State)
	require.Equal(t, "e=2|m=Jul", snap.LastPoint)
	require.Equal(t, 1, snap.PointsDone)
	require.Equal(t, 1, snap.PointsFailed)
	require.Equal(t, 1, snap.Retries)
	require.Equal(t, 1, snap.Alerts)
	require.EqualValues(t, 7, snap.Rows)
	require.Equal(t, []string{"2"}, snap.Entities)
	require.Nil(t, snap.FinishedAt)

	// Mutating the snapshot does not leak into the sink.
	snap.Entities[0] = "x"
	require.Equal(t, []string{"2"}, sink.Snapshot().Entities)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), TS: now, Stage: progress.StagePointDone, Point: "stale"},
		{RunID: runID, TS: now.Add(time.Minute), Stage: progress.StageRunError, Note: "session fault"},
	}))
	snap = sink.Snapshot()
	require.Equal(t, StateError, snap.State)
	require.Equal(t, "session fault", snap.Error)
	require.Equal(t, 1, snap.PointsDone)
	require.NotNil(t, snap.FinishedAt)
}
