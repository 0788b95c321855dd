package harvester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/ledger"
	"github.com/JakeFAU/portal-harvester/internal/merge"
	"github.com/JakeFAU/portal-harvester/internal/progress"
	"github.com/JakeFAU/portal-harvester/internal/storage"
	"github.com/JakeFAU/portal-harvester/internal/tablefile"
)

// MergeDataset re-merges a raw dump written by a previous run, without a
// browser. The run is recorded like a harvest with an empty sweep.
func (h *Harvester) MergeDataset(ctx context.Context, manifestPath string) (Result, error) {
	runID, err := h.ids.NewRawID()
	if err != nil {
		return Result{}, fmt.Errorf("run id: %w", err)
	}
	ctx, span := h.tracer.Start(ctx, "harvest.merge", trace.WithAttributes(
		attribute.String("run_id", runID.String()),
		attribute.String("manifest", manifestPath),
	))
	defer span.End()

	started := h.clock.Now()
	res := Result{RunID: runID, RawManifest: manifestPath}
	h.emit(runID, progress.Event{Stage: progress.StageRunStart})

	dataset, manifest, err := tablefile.LoadDataset(ctx, h.store, manifestPath)
	if err == nil {
		entityDim := manifest.EntityDimension
		if entityDim == "" {
			entityDim = h.cfg.Sweep.EntityDimension
		}
		h.logger.Info("raw dataset loaded",
			zap.String("manifest", manifestPath),
			zap.String("source_run", manifest.RunID),
			zap.Int("points", dataset.Len()))
		res.Entities, err = h.mergeAll(ctx, runID, entityDim, dataset)
	}
	res.Elapsed = h.clock.Now().Sub(started)
	h.finish(runID, span, res, err)
	return res, err
}

// mergeAll merges and persists every entity group of dataset in sweep order.
// A persistence or code width failure stops the merge.
func (h *Harvester) mergeAll(ctx context.Context, runID uuid.UUID, entityDim string, dataset *harvest.RawDataset) ([]EntityResult, error) {
	engine, err := merge.NewEngine(merge.Config{
		Variant:           h.cfg.Merge.Variant,
		KeyColumn:         h.cfg.Merge.KeyColumn,
		EntityColumn:      h.cfg.Merge.EntityColumn,
		DescriptionColumn: h.cfg.Merge.DescriptionColumn,
		Tables:            h.cfg.Merge.Tables,
		EntityDimension:   entityDim,
	}, h.logger)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	ref, err := h.loadReference(engine)
	if err != nil {
		return nil, err
	}

	groups := dataset.GroupBy(entityDim)
	results := make([]EntityResult, 0, len(groups))
	for _, group := range groups {
		res, err := h.persistEntity(ctx, runID, engine, group, ref)
		if err != nil {
			return results, fmt.Errorf("entity %s: %w", group.Label, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (h *Harvester) persistEntity(
	ctx context.Context,
	runID uuid.UUID,
	engine *merge.Engine,
	group harvest.EntityGroup,
	ref merge.Reference,
) (EntityResult, error) {
	name := path.Join(h.cfg.Merge.OutputDir, tablefile.EntityFileName(h.cfg.Merge.FilePrefix, group.Label))
	snapshot, snapshotSum, err := h.loadSnapshot(ctx, name, engine.KeyColumn())
	if err != nil {
		return EntityResult{}, err
	}
	table, report, err := engine.Merge(merge.Input{Group: group, Snapshot: snapshot, Reference: ref})
	if err != nil {
		return EntityResult{}, err
	}
	for _, w := range report.Warnings {
		h.logger.Warn("merge warning", zap.String("entity", group.Label), zap.String("warning", w))
	}

	var buf bytes.Buffer
	if err := tablefile.WriteWideTable(&buf, table); err != nil {
		return EntityResult{}, err
	}
	sum, err := h.hasher.Hash(buf.Bytes())
	if err != nil {
		return EntityResult{}, fmt.Errorf("hash table: %w", err)
	}
	uri, err := h.store.PutObject(ctx, name, tablefile.ContentType, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return EntityResult{}, fmt.Errorf("put object: %w", err)
	}

	res := EntityResult{
		Entity:    group.Value,
		Label:     group.Label,
		URI:       uri,
		SHA256:    sum,
		Points:    report.Points,
		Rows:      report.Rows,
		Columns:   report.Columns,
		Flagged:   len(report.Flagged),
		Warnings:  report.Warnings,
		Unchanged: sum == snapshotSum,
	}
	now := h.clock.Now()
	if err := h.ledger.RecordEntity(ctx, ledger.EntityRecord{
		RunID:   runID,
		Entity:  res.Entity,
		Label:   res.Label,
		URI:     uri,
		SHA256:  sum,
		Rows:    res.Rows,
		Columns: res.Columns,
		Flagged: res.Flagged,
		At:      now,
	}); err != nil {
		h.logger.Warn("record entity failed", zap.String("entity", res.Label), zap.Error(err))
	}
	if res.Unchanged {
		h.logger.Debug("entity unchanged; notification skipped", zap.String("entity", res.Label))
	} else {
		res.Notified = h.notify(ctx, runID, res, now)
	}

	h.emit(runID, progress.Event{
		Stage:  progress.StageEntityMerged,
		Entity: res.Entity,
		Rows:   int64(res.Rows),
		Note:   uri,
	})
	h.logger.Info("entity persisted",
		zap.String("entity", res.Label),
		zap.String("uri", uri),
		zap.String("sha256", sum),
		zap.Int("rows", res.Rows),
		zap.Int("columns", res.Columns),
		zap.Int("flagged", res.Flagged),
		zap.Bool("snapshot", snapshot != nil),
		zap.Bool("unchanged", res.Unchanged))
	return res, nil
}

// loadSnapshot returns the previously persisted table at name and the digest
// of its bytes, or nil and "" when none exists.
func (h *Harvester) loadSnapshot(ctx context.Context, name, keyColumn string) (*merge.WideTable, string, error) {
	rc, err := h.store.GetObject(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var raw bytes.Buffer
	table, err := tablefile.ReadWideTable(io.TeeReader(rc, &raw), keyColumn)
	if err != nil {
		return nil, "", fmt.Errorf("read snapshot %s: %w", name, err)
	}
	sum, err := h.hasher.HashReader(&raw)
	if err != nil {
		return nil, "", fmt.Errorf("hash snapshot %s: %w", name, err)
	}
	return table, sum, nil
}

// loadReference reads the optional key to description file.
func (h *Harvester) loadReference(engine *merge.Engine) (merge.Reference, error) {
	p := h.cfg.Merge.ReferencePath
	if p == "" {
		return nil, nil
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open reference: %w", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := tablefile.ReadReference(f, h.cfg.Merge.KeyColumn, h.cfg.Merge.DescriptionColumn)
	if err != nil {
		return nil, fmt.Errorf("read reference %s: %w", p, err)
	}
	ref, flags := engine.ParseReference(rows)
	if len(flags) > 0 {
		h.logger.Warn("reference keys retained unnormalized", zap.Int("count", len(flags)))
	}
	h.logger.Info("reference loaded", zap.String("path", p), zap.Int("keys", len(ref)))
	return ref, nil
}
