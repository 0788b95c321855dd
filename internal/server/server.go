// Package server builds the harvester's dependencies from configuration and
// runs the status HTTP listener alongside a harvest.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/api"
	"github.com/JakeFAU/portal-harvester/internal/clock/system"
	"github.com/JakeFAU/portal-harvester/internal/config"
	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/harvester"
	"github.com/JakeFAU/portal-harvester/internal/hash/sha256"
	"github.com/JakeFAU/portal-harvester/internal/id/uuid"
	"github.com/JakeFAU/portal-harvester/internal/ledger"
	pgledger "github.com/JakeFAU/portal-harvester/internal/ledger/postgres"
	sqliteledger "github.com/JakeFAU/portal-harvester/internal/ledger/sqlite"
	"github.com/JakeFAU/portal-harvester/internal/logging"
	"github.com/JakeFAU/portal-harvester/internal/metrics"
	"github.com/JakeFAU/portal-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/portal-harvester/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/portal-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/portal-harvester/internal/storage"
	gcsstorage "github.com/JakeFAU/portal-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/portal-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/portal-harvester/internal/storage/memory"
	s3storage "github.com/JakeFAU/portal-harvester/internal/storage/s3"
	"github.com/JakeFAU/portal-harvester/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	registry        *prometheus.Registry
	store           storage.BlobStore
	ledger          ledger.Ledger
	runReader       api.RunReader
	publisher       harvester.Publisher
	status          *progresssinks.StatusSink
	progressHub     *progress.Hub
	apiServer       *api.Server
	gcsClient       *gstorage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerProvider  *sdktrace.TracerProvider
	closing         atomic.Bool
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
	}
	app.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("ledger", cfg.Ledger.Driver),
		zap.Bool("pubsub", cfg.PubSub.Enabled))

	steps := []func(context.Context) error{
		app.setupTracing,
		app.setupStorage,
		app.setupLedger,
		app.setupPublisher,
		app.setupProgress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(ctx)
			app.closeObservability(ctx)
			return nil, err
		}
	}

	app.apiServer = api.NewServer(api.Options{
		Status:     app.status,
		Runs:       app.runReader,
		Gatherer:   app.registry,
		Registerer: app.registry,
		Ready:      []api.ReadyCheck{app.ready},
		Logger:     logger.Named("api"),
	})
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the status HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Store returns the configured blob store.
func (a *App) Store() storage.BlobStore { return a.store }

// Harvester wires a Harvester over session. A nil session is enough for
// offline merges.
func (a *App) Harvester(session harvest.Session) (*harvester.Harvester, error) {
	h, err := harvester.New(a.cfg, harvester.Deps{
		Session:   session,
		Clock:     system.New(),
		Store:     a.store,
		Ledger:    a.ledger,
		Publisher: a.publisher,
		Hasher:    sha256.New(),
		IDs:       uuid.New(),
		Emitter:   a.progressHub,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("harvester init failed: %w", err)
	}
	return h, nil
}

// Serve runs the status listener until ctx is canceled. It returns
// immediately when metrics are disabled.
func (a *App) Serve(ctx context.Context) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Metrics.Addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("http server shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close flushes progress events and releases every client.
func (a *App) Close(ctx context.Context) error {
	a.closing.Store(true)
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) ready(context.Context) error {
	if a.closing.Load() {
		return errors.New("shutting down")
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the ledger, so it closes first.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("ledger close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.TracerOptions{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp
	a.logger.Info("tracing enabled", zap.String("service", a.cfg.Tracing.ServiceName))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend")
		a.gcsClient, err = gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.store, err = gcsstorage.New(a.gcsClient, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case "s3":
		a.logger.Info("using S3 storage backend")
		a.store, err = s3storage.New(ctx, a.cfg.Storage.S3)
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Debug("S3 storage backend",
			zap.String("bucket", a.cfg.Storage.S3.Bucket),
			zap.String("region", a.cfg.Storage.S3.Region))
	case "local":
		a.logger.Info("using local storage backend")
		a.store, err = localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	case "memory":
		a.logger.Warn("using in-memory storage backend; merged files are discarded on exit")
		a.store = memorystorage.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupLedger(ctx context.Context) error {
	switch a.cfg.Ledger.Driver {
	case "", "none":
		a.logger.Info("run ledger disabled")
		a.ledger = ledger.Nop{}
	case "postgres":
		pg, err := pgledger.New(ctx, pgledger.Config{
			DSN:             a.cfg.Ledger.DSN,
			TablePrefix:     a.cfg.Ledger.TablePrefix,
			MaxConns:        a.cfg.Ledger.MaxConns,
			MaxConnLifetime: a.cfg.Ledger.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres ledger init failed: %w", err)
		}
		a.ledger = pg
		if a.cfg.Ledger.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres ledger migrate failed: %w", err)
			}
		}
		a.runReader = pg
		a.logger.Info("postgres ledger initialized", zap.String("table_prefix", a.cfg.Ledger.TablePrefix))
	case "sqlite":
		lite, err := sqliteledger.Open(ctx, a.cfg.Ledger.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite ledger init failed: %w", err)
		}
		a.ledger = lite
		a.runReader = lite
		a.logger.Info("sqlite ledger initialized", zap.String("path", a.cfg.Ledger.SQLitePath))
	default:
		return fmt.Errorf("unknown ledger driver %q", a.cfg.Ledger.Driver)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("entity notifications disabled")
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.TopicID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = a.pubsubPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID))
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	a.status = progresssinks.NewStatusSink()
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		a.status,
	}
	if _, nop := a.ledger.(ledger.Nop); !nop {
		sinkList = append(sinkList, progresssinks.NewLedgerSink(a.ledger, a.logger.Named("progress_ledger")))
		a.logger.Debug("added progress ledger sink")
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}
