package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/ledger"
	"github.com/JakeFAU/portal-harvester/internal/progress"
)

// LedgerSink persists run lifecycle and terminal point outcomes. Retries and
// alerts are not stored; the final attempt count already reflects them.
type LedgerSink struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewLedgerSink constructs a LedgerSink for the provided ledger.
func NewLedgerSink(l ledger.Ledger, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{ledger: l, logger: logger}
}

// Consume forwards events to the ledger in order and returns the first error.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.ledger == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.consumeEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *LedgerSink) consumeEvent(ctx context.Context, evt progress.Event) error {
	runID := evt.RunUUID()
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.ledger.StartRun(ctx, runID, evt.TS); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	case progress.StageRunDone:
		if err := s.ledger.FinishRun(ctx, runID, evt.TS, ledger.RunSuccess, nil); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	case progress.StageRunError:
		if err := s.ledger.FinishRun(ctx, runID, evt.TS, ledger.RunError, ledger.OptionalString(evt.Note)); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	case progress.StagePointDone, progress.StagePointFailed:
		rec := ledger.PointRecord{
			RunID:    runID,
			Point:    evt.Point,
			Entity:   evt.Entity,
			Status:   ledger.PointDone,
			Attempts: evt.Attempt,
			Tables:   evt.Tables,
			Rows:     evt.Rows,
			At:       evt.TS,
		}
		if evt.Stage == progress.StagePointFailed {
			rec.Status = ledger.PointFailed
			rec.Error = ledger.OptionalString(evt.Note)
		}
		if err := s.ledger.RecordPoint(ctx, rec); err != nil {
			return fmt.Errorf("record point: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; the ledger is closed by its owner.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
