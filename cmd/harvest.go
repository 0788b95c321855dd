package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/portal-harvester/internal/harvester"
	"github.com/JakeFAU/portal-harvester/internal/server"
)

func newHarvestCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Sweeps the portal and merges the results",
		Long: `Opens the portal form in a browser, visits every parameter point in
order, retries points the portal rejects with an alert, and merges the
extracted tables into one file per entity. Points that exhaust their
retries are skipped and reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, load)
		},
	}
}

func runHarvest(cmd *cobra.Command, load configLoader) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateHarvest(); err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer closeApp(app)
	logger := app.Logger()

	session, err := newSession(cfg.Browser, logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("browser close failed", zap.Error(cerr))
		}
	}()

	h, err := app.Harvester(session)
	if err != nil {
		return err
	}

	// The status listener lives exactly as long as the harvest.
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		return app.Serve(gctx)
	})

	var (
		res    harvester.Result
		runErr error
	)
	g.Go(func() error {
		defer stopServe()
		res, runErr = h.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := printResult(cmd.OutOrStdout(), res); err != nil {
		logger.Warn("summary render failed", zap.Error(err))
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("harvest interrupted; partial results were not merged")
		}
		return fmt.Errorf("harvest: %w", runErr)
	}
	logger.Info("harvest command finished", zap.String("run_id", res.RunID.String()))
	return nil
}

func closeApp(app *server.App) {
	// The command context is already canceled on SIGINT; flushing still needs time.
	if err := app.Close(context.Background()); err != nil {
		app.Logger().Warn("application close failed", zap.Error(err))
	}
}
