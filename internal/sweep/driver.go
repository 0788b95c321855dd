package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/portal"
	"github.com/JakeFAU/portal-harvester/internal/progress"
	"github.com/JakeFAU/portal-harvester/internal/retry"
)

const tracerName = "github.com/JakeFAU/portal-harvester/internal/sweep"

// Navigator is the subset of portal.Navigator the sweep drives.
type Navigator interface {
	SelectDimension(ctx context.Context, dim harvest.Dimension, value string) (string, error)
	ApplyPreset(ctx context.Context, p harvest.Preset) error
	Submit(ctx context.Context) error
	WaitReady(ctx context.Context, timeout time.Duration) error
	GoBack(ctx context.Context) error
}

// Extractor reads result tables from the current page.
type Extractor interface {
	Extract(ctx context.Context, selector string, policies []harvest.RowPolicy) (portal.Extraction, error)
}

// Config describes one sweep.
type Config struct {
	RunID      uuid.UUID
	Dimensions []harvest.Dimension
	// EntityDimension names the dimension presets follow. Empty means the first.
	EntityDimension string
	Presets         []harvest.Preset
	TableSelector   string
	RowPolicies     []harvest.RowPolicy
	MaxAttempts     int
	RetryDelay      time.Duration
	ReadyTimeout    time.Duration
	SettleDelay     time.Duration
	// AttemptTimeout bounds one composite attempt. Zero disables it.
	AttemptTimeout time.Duration
	// GoBack returns to the form before any attempt that follows rendered results.
	GoBack bool
}

// Deps are the collaborators of a Driver.
type Deps struct {
	Navigator   Navigator
	Extractor   Extractor
	Coordinator *retry.Coordinator
	Clock       harvest.Clock
	Emitter     progress.Emitter
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// PointFailure records a point that was given up on.
type PointFailure struct {
	Point     harvest.ParameterPoint
	Attempts  int
	Exhausted bool
	Cause     error
}

// Summary reports the outcome of every visited point.
type Summary struct {
	Total     int
	Succeeded []harvest.ParameterPoint
	Failed    []PointFailure
	// Aborted is set when a fatal error stopped the sweep early.
	Aborted bool
}

// Driver runs a sweep over one session. It is single-use per Run call and not
// safe for concurrent use.
type Driver struct {
	cfg       Config
	nav       Navigator
	extractor Extractor
	coord     *retry.Coordinator
	clock     harvest.Clock
	emitter   progress.Emitter
	tracer    trace.Tracer
	logger    *zap.Logger

	onResults bool
}

// New validates cfg and builds a Driver.
func New(cfg Config, deps Deps) (*Driver, error) {
	if err := ValidateDimensions(cfg.Dimensions); err != nil {
		return nil, fmt.Errorf("sweep config: %w", err)
	}
	if cfg.EntityDimension == "" {
		cfg.EntityDimension = cfg.Dimensions[0].Name
	}
	found := false
	for _, d := range cfg.Dimensions {
		if d.Name == cfg.EntityDimension {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("sweep config: entity dimension %q is not configured", cfg.EntityDimension)
	}
	if cfg.TableSelector == "" {
		return nil, errors.New("sweep config: table selector is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if deps.Navigator == nil || deps.Extractor == nil || deps.Coordinator == nil || deps.Clock == nil {
		return nil, errors.New("sweep: navigator, extractor, coordinator and clock are required")
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
	return &Driver{
		cfg:       cfg,
		nav:       deps.Navigator,
		extractor: deps.Extractor,
		coord:     deps.Coordinator,
		clock:     deps.Clock,
		emitter:   deps.Emitter,
		tracer:    deps.Tracer,
		logger:    deps.Logger.Named("sweep"),
	}, nil
}

// Run visits every point in order. Failed points are recorded in the summary
// and skipped. A session fault or cancellation stops the sweep; the partial
// dataset and summary are returned with the error.
func (d *Driver) Run(ctx context.Context) (*harvest.RawDataset, Summary, error) {
	points := Enumerate(d.cfg.Dimensions)
	dataset := harvest.NewRawDataset()
	summary := Summary{Total: len(points)}

	d.logger.Info("sweep started", zap.Int("points", len(points)), zap.Int("max_attempts", d.cfg.MaxAttempts))
	for _, point := range points {
		entry, failure, err := d.visit(ctx, point)
		if err != nil {
			summary.Aborted = true
			d.logger.Error("sweep aborted", zap.String("point", point.Key()), zap.Error(err))
			return dataset, summary, fmt.Errorf("sweep %s: %w", point, err)
		}
		if failure != nil {
			summary.Failed = append(summary.Failed, *failure)
			continue
		}
		if err := dataset.Add(entry); err != nil {
			summary.Failed = append(summary.Failed, PointFailure{Point: point, Cause: err})
			d.logger.Warn("point discarded", zap.String("point", point.Key()), zap.Error(err))
			continue
		}
		summary.Succeeded = append(summary.Succeeded, point)
	}
	d.logger.Info("sweep finished",
		zap.Int("points", summary.Total),
		zap.Int("succeeded", len(summary.Succeeded)),
		zap.Int("failed", len(summary.Failed)))
	return dataset, summary, nil
}

// visit runs one point to a terminal state. A non-nil error is fatal to the sweep.
func (d *Driver) visit(ctx context.Context, point harvest.ParameterPoint) (harvest.Entry, *PointFailure, error) {
	ctx, span := d.tracer.Start(ctx, "sweep.point", trace.WithAttributes(attribute.String("point", point.Key())))
	defer span.End()

	entity, _ := point.Value(d.cfg.EntityDimension)
	started := d.clock.Now()
	st := &pointState{}
	attempts := 0
	d.emit(progress.Event{Stage: progress.StagePointStart, Point: point.Key(), Entity: entity, Attempt: 1})

	coord := d.coord.WithObserver(func(a retry.Attempt) {
		if err := st.to(phaseRetrying); err != nil {
			d.logger.Error("point state", zap.String("point", point.Key()), zap.Error(err))
		}
		if a.Signal.Retry() {
			d.emit(progress.Event{Stage: progress.StagePointAlert, Point: point.Key(), Entity: entity, Attempt: a.Number, Note: a.Signal.Text})
		}
		d.emit(progress.Event{Stage: progress.StagePointRetry, Point: point.Key(), Entity: entity, Attempt: a.Number, Note: a.Err.Error()})
	})

	entry, err := retry.Run(ctx, coord, func(ctx context.Context, attempt int) (harvest.Entry, error) {
		attempts = attempt
		return d.attempt(ctx, point, st)
	}, d.cfg.MaxAttempts, d.cfg.RetryDelay)
	elapsed := d.clock.Now().Sub(started)
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err == nil {
		if !st.terminal() {
			d.logger.Error("point state", zap.String("point", point.Key()), zap.Stringer("phase", st.current))
		}
		rows := 0
		for _, t := range entry.Tables {
			rows += len(t.Rows)
		}
		span.SetStatus(codes.Ok, "")
		d.emit(progress.Event{
			Stage: progress.StagePointDone, Point: point.Key(), Entity: entity,
			Attempt: attempts, Tables: len(entry.Tables), Rows: int64(rows), Dur: elapsed,
		})
		d.logger.Info("point extracted",
			zap.String("point", point.Key()),
			zap.Int("attempts", attempts),
			zap.Int("tables", len(entry.Tables)),
			zap.Int("rows", rows))
		return entry, nil, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var pf *retry.PermanentFailure
	if !errors.As(err, &pf) {
		return harvest.Entry{}, nil, err
	}

	next := phaseSkipped
	if pf.Exhausted {
		next = phaseExhausted
	}
	if !st.terminal() {
		if terr := st.to(next); terr != nil {
			d.logger.Error("point state", zap.String("point", point.Key()), zap.Error(terr))
		}
	}
	d.emit(progress.Event{
		Stage: progress.StagePointFailed, Point: point.Key(), Entity: entity,
		Attempt: pf.Attempts, Dur: elapsed, Note: pf.Error(),
	})
	d.logger.Warn("point skipped",
		zap.String("point", point.Key()),
		zap.Int("attempts", pf.Attempts),
		zap.Bool("exhausted", pf.Exhausted),
		zap.Error(pf.Cause))
	return harvest.Entry{}, &PointFailure{Point: point, Attempts: pf.Attempts, Exhausted: pf.Exhausted, Cause: pf.Cause}, nil
}

// attempt is the composite select, submit, wait, settle, extract operation.
func (d *Driver) attempt(ctx context.Context, point harvest.ParameterPoint, st *pointState) (harvest.Entry, error) {
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}
	if err := st.to(phaseSelecting); err != nil {
		return harvest.Entry{}, err
	}
	fail := func(err error) (harvest.Entry, error) {
		if harvest.IsTransient(err) {
			if terr := st.to(phaseInterrupted); terr != nil {
				d.logger.Error("point state", zap.String("point", point.Key()), zap.Error(terr))
			}
		}
		return harvest.Entry{}, err
	}

	if d.cfg.GoBack && d.onResults {
		if err := d.nav.GoBack(ctx); err != nil {
			return fail(err)
		}
		d.onResults = false
	}

	labels := make(map[string]string, len(d.cfg.Dimensions))
	for _, dim := range d.cfg.Dimensions {
		value, _ := point.Value(dim.Name)
		label, err := d.nav.SelectDimension(ctx, dim, value)
		if err != nil {
			return fail(err)
		}
		labels[dim.Name] = label
		if dim.Name != d.cfg.EntityDimension {
			continue
		}
		for _, p := range d.cfg.Presets {
			if err := d.nav.ApplyPreset(ctx, p); err != nil {
				return fail(err)
			}
		}
	}

	if err := st.to(phaseSubmitting); err != nil {
		return harvest.Entry{}, err
	}
	if err := d.nav.Submit(ctx); err != nil {
		return fail(err)
	}
	d.onResults = true

	if err := st.to(phaseWaiting); err != nil {
		return harvest.Entry{}, err
	}
	if err := d.nav.WaitReady(ctx, d.cfg.ReadyTimeout); err != nil {
		// An alert opens over the form, so the page has not moved.
		if errors.Is(err, harvest.ErrAlertInterruption) {
			d.onResults = false
		}
		return fail(err)
	}
	if d.cfg.SettleDelay > 0 {
		if err := d.clock.Sleep(ctx, d.cfg.SettleDelay); err != nil {
			return fail(err)
		}
	}
	extraction, err := d.extractor.Extract(ctx, d.cfg.TableSelector, d.cfg.RowPolicies)
	if err != nil {
		return fail(err)
	}
	if err := st.to(phaseExtracted); err != nil {
		return harvest.Entry{}, err
	}
	return harvest.Entry{Point: point, Labels: labels, Tables: extraction.Tables}, nil
}

func (d *Driver) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(d.cfg.RunID)
	evt.TS = d.clock.Now()
	d.emitter.Emit(evt)
}
