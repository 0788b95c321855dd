package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-harvester/internal/ledger"
	"github.com/JakeFAU/portal-harvester/internal/progress"
)

// TestLedgerSinkPersistsEvents ensures run lifecycle and terminal points reach the ledger.
func TestLedgerSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	fake := &fakeLedger{}
	sink := NewLedgerSink(fake, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now},
		{RunID: runID, Stage: progress.StagePointStart, Point: "e=1", TS: now},
		{RunID: runID, Stage: progress.StagePointRetry, Point: "e=1", TS: now},
		{RunID: runID, Stage: progress.StagePointDone, Point: "e=1", Entity: "1", Attempt: 2, Tables: 1, Rows: 5, TS: now},
		{RunID: runID, Stage: progress.StagePointFailed, Point: "e=2", Entity: "2", Attempt: 3, Note: "exhausted", TS: now},
		{RunID: runID, Stage: progress.StageRunError, Note: "session fault", TS: now.Add(time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{runUUID}, fake.starts)
	require.Len(t, fake.points, 2)
	require.Equal(t, ledger.PointDone, fake.points[0].Status)
	require.Equal(t, 2, fake.points[0].Attempts)
	require.EqualValues(t, 5, fake.points[0].Rows)
	require.Nil(t, fake.points[0].Error)
	require.Equal(t, ledger.PointFailed, fake.points[1].Status)
	require.Equal(t, "exhausted", *fake.points[1].Error)
	require.Equal(t, []ledger.RunStatus{ledger.RunError}, fake.finishes)
	require.Equal(t, "session fault", fake.lastErr)
}

// TestLedgerSinkHandlesErrors surfaces ledger failures back to the caller.
func TestLedgerSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewLedgerSink(&fakeLedger{fail: true}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)

	var nilSink *LedgerSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type fakeLedger struct {
	ledger.Nop
	fail     bool
	starts   []uuid.UUID
	finishes []ledger.RunStatus
	lastErr  string
	points   []ledger.PointRecord
}

func (f *fakeLedger) StartRun(_ context.Context, id uuid.UUID, _ time.Time) error {
	if f.fail {
		return errors.New("boom")
	}
	f.starts = append(f.starts, id)
	return nil
}

func (f *fakeLedger) FinishRun(_ context.Context, _ uuid.UUID, _ time.Time, status ledger.RunStatus, msg *string) error {
	f.finishes = append(f.finishes, status)
	if msg != nil {
		f.lastErr = *msg
	}
	return nil
}

func (f *fakeLedger) RecordPoint(_ context.Context, rec ledger.PointRecord) error {
	f.points = append(f.points, rec)
	return nil
}
