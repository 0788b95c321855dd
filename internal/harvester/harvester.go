package harvester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/config"
	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/ledger"
	"github.com/JakeFAU/portal-harvester/internal/portal"
	"github.com/JakeFAU/portal-harvester/internal/progress"
	"github.com/JakeFAU/portal-harvester/internal/retry"
	"github.com/JakeFAU/portal-harvester/internal/storage"
	"github.com/JakeFAU/portal-harvester/internal/sweep"
	"github.com/JakeFAU/portal-harvester/internal/tablefile"
)

const tracerName = "github.com/JakeFAU/portal-harvester/internal/harvester"

// Publisher announces persisted entity files.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests persisted file contents.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, error)
}

// IDGenerator issues run IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Deps are the collaborators of a Harvester. Session is only needed by Run.
type Deps struct {
	Session   harvest.Session
	Clock     harvest.Clock
	Store     storage.BlobStore
	Ledger    ledger.Ledger
	Publisher Publisher
	Hasher    Hasher
	IDs       IDGenerator
	Emitter   progress.Emitter
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// EntityResult describes one persisted entity table.
type EntityResult struct {
	Entity   string
	Label    string
	URI      string
	SHA256   string
	Points   int
	Rows     int
	Columns  int
	Flagged  int
	Warnings []string
	// Unchanged is set when the merged file is byte-identical to its snapshot.
	// No notification is sent for an unchanged file.
	Unchanged bool
	// Notified is false when no notification was sent or publishing failed.
	Notified bool
}

// Result summarizes a run.
type Result struct {
	RunID       uuid.UUID
	Sweep       sweep.Summary
	Entities    []EntityResult
	RawManifest string
	Elapsed     time.Duration
}

// Flagged returns the number of records kept with unnormalized keys.
func (r Result) Flagged() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Flagged
	}
	return n
}

// Harvester runs harvests. It is not safe for concurrent Run calls because
// they would share one browser session.
type Harvester struct {
	cfg       config.Config
	session   harvest.Session
	clock     harvest.Clock
	store     storage.BlobStore
	ledger    ledger.Ledger
	publisher Publisher
	hasher    Hasher
	ids       IDGenerator
	emitter   progress.Emitter
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New validates the dependencies and builds a Harvester.
func New(cfg config.Config, deps Deps) (*Harvester, error) {
	if deps.Clock == nil || deps.Store == nil || deps.Hasher == nil || deps.IDs == nil {
		return nil, errors.New("harvester: clock, store, hasher and id generator are required")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Harvester{
		cfg:       cfg,
		session:   deps.Session,
		clock:     deps.Clock,
		store:     deps.Store,
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		ids:       deps.IDs,
		emitter:   deps.Emitter,
		tracer:    deps.Tracer,
		logger:    deps.Logger.Named("harvester"),
	}, nil
}

// Run sweeps the portal, then merges and persists every entity. Failed points
// are skipped and reported in the result. The returned error is non-nil only
// for session faults, cancellation, configuration errors and persistence
// failures; the partial result is returned alongside it.
func (h *Harvester) Run(ctx context.Context) (Result, error) {
	if h.session == nil {
		return Result{}, errors.New("harvester: a browser session is required to run")
	}
	if err := h.cfg.ValidateHarvest(); err != nil {
		return Result{}, err
	}
	runID, err := h.ids.NewRawID()
	if err != nil {
		return Result{}, fmt.Errorf("run id: %w", err)
	}
	ctx, span := h.tracer.Start(ctx, "harvest.run", trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	started := h.clock.Now()
	res := Result{RunID: runID}
	h.emit(runID, progress.Event{Stage: progress.StageRunStart})
	h.logger.Info("harvest started", zap.String("run_id", runID.String()), zap.String("portal", h.cfg.Portal.BaseURL))

	err = h.run(ctx, runID, &res)
	res.Elapsed = h.clock.Now().Sub(started)
	h.finish(runID, span, res, err)
	return res, err
}

func (h *Harvester) run(ctx context.Context, runID uuid.UUID, res *Result) error {
	nav := portal.NewNavigator(h.session, h.clock, portal.NavigatorConfig{
		BaseURL:        h.cfg.Portal.BaseURL,
		SubmitSelector: h.cfg.Portal.SubmitSelector,
		ReadySelector:  h.cfg.Portal.ReadySelector,
		SubmitRPS:      h.cfg.Portal.SubmitRPS,
		SubmitBurst:    h.cfg.Portal.SubmitBurst,
		PollInterval:   h.cfg.Portal.PollInterval,
	}, h.logger)
	if err := nav.Open(ctx); err != nil {
		return err
	}
	dims, err := h.dimensions(ctx, nav)
	if err != nil {
		return err
	}

	guard := portal.NewAlertGuard(h.session, h.clock, h.cfg.Retry.AlertPoll, h.logger)
	driver, err := sweep.New(sweep.Config{
		RunID:           runID,
		Dimensions:      dims,
		EntityDimension: h.cfg.Sweep.EntityDimension,
		Presets:         h.cfg.Portal.Presets,
		TableSelector:   h.cfg.Portal.TableSelector,
		RowPolicies:     h.cfg.Extract.RowPolicies,
		MaxAttempts:     h.cfg.Retry.MaxAttempts,
		RetryDelay:      h.cfg.Retry.Delay,
		ReadyTimeout:    h.cfg.Retry.ReadyTimeout,
		SettleDelay:     h.cfg.Retry.SettleDelay,
		AttemptTimeout:  h.cfg.Retry.AttemptTimeout,
		GoBack:          h.cfg.Portal.GoBack,
	}, sweep.Deps{
		Navigator: nav,
		Extractor: portal.NewExtractor(h.session, portal.ExtractorConfig{
			DefaultPolicy: h.cfg.Extract.DefaultPolicy,
			MaxTables:     h.cfg.Extract.MaxTables,
		}, h.logger),
		Coordinator: retry.NewCoordinator(guard, h.clock, h.cfg.Retry.AlertWindow, h.logger),
		Clock:       h.clock,
		Emitter:     h.emitter,
		Tracer:      h.tracer,
		Logger:      h.logger,
	})
	if err != nil {
		return err
	}

	dataset, summary, sweepErr := driver.Run(ctx)
	res.Sweep = summary
	if ctx.Err() != nil {
		return errors.Join(sweepErr, ctx.Err())
	}
	// Points collected before a session fault are still persisted.
	if h.cfg.Storage.RawTables && dataset.Len() > 0 {
		dir := path.Join(h.cfg.Storage.RawDir, runID.String())
		manifest, err := tablefile.DumpDataset(ctx, h.store, dir, runID.String(), h.entityDimension(dims), dataset)
		if err != nil {
			return errors.Join(sweepErr, fmt.Errorf("raw dump: %w", err))
		}
		res.RawManifest = manifest
		h.logger.Info("raw tables dumped", zap.String("manifest", manifest), zap.Int("points", dataset.Len()))
	}
	entities, err := h.mergeAll(ctx, runID, h.entityDimension(dims), dataset)
	res.Entities = entities
	return errors.Join(sweepErr, err)
}

// dimensions materializes the configured dimensions, reading the option count
// of any control whose range is discovered.
func (h *Harvester) dimensions(ctx context.Context, nav *portal.Navigator) ([]harvest.Dimension, error) {
	dims := make([]harvest.Dimension, 0, len(h.cfg.Sweep.Dimensions))
	for _, dc := range h.cfg.Sweep.Dimensions {
		count := 0
		if dc.Discover() {
			var err error
			count, err = nav.OptionCount(ctx, dc.Dimension(0))
			if err != nil {
				return nil, fmt.Errorf("discover %s: %w", dc.Name, err)
			}
			h.logger.Info("dimension discovered", zap.String("dimension", dc.Name), zap.Int("options", count))
		}
		dim := dc.Dimension(count)
		if len(dim.Values) == 0 {
			return nil, fmt.Errorf("dimension %s has no values", dc.Name)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

func (h *Harvester) entityDimension(dims []harvest.Dimension) string {
	if h.cfg.Sweep.EntityDimension != "" {
		return h.cfg.Sweep.EntityDimension
	}
	if len(dims) == 0 {
		return ""
	}
	return dims[0].Name
}

// finish emits the terminal run event and logs the summary.
func (h *Harvester) finish(runID uuid.UUID, span trace.Span, res Result, err error) {
	fields := []zap.Field{
		zap.String("run_id", runID.String()),
		zap.Int("points", res.Sweep.Total),
		zap.Int("succeeded", len(res.Sweep.Succeeded)),
		zap.Int("skipped", len(res.Sweep.Failed)),
		zap.Int("entities", len(res.Entities)),
		zap.Int("flagged", res.Flagged()),
		zap.Duration("elapsed", res.Elapsed),
	}
	for _, f := range res.Sweep.Failed {
		h.logger.Warn("point skipped",
			zap.String("point", f.Point.Key()),
			zap.Int("attempts", f.Attempts),
			zap.Bool("exhausted", f.Exhausted),
			zap.Error(f.Cause))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.emit(runID, progress.Event{Stage: progress.StageRunError, Dur: res.Elapsed, Note: err.Error()})
		h.logger.Error("harvest failed", append(fields, zap.Error(err))...)
		return
	}
	span.SetStatus(codes.Ok, "")
	h.emit(runID, progress.Event{Stage: progress.StageRunDone, Dur: res.Elapsed})
	h.logger.Info("harvest finished", fields...)
}

func (h *Harvester) emit(runID uuid.UUID, evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(runID)
	evt.TS = h.clock.Now()
	h.emitter.Emit(evt)
}
