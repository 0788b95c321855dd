// Package cmd defines the CLI commands of the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/browser/headless"
	"github.com/JakeFAU/portal-harvester/internal/config"
	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/server"
)

// newApp builds the application. Tests replace it to inject a logger.
var newApp = server.Build

// newSession opens the browser session used by the harvest command.
var newSession = func(cfg config.BrowserConfig, logger *zap.Logger) (harvest.Session, error) {
	return headless.New(headless.Config{
		Headless:      cfg.Headless,
		UserAgent:     cfg.UserAgent,
		ExecPath:      cfg.ExecPath,
		ActionTimeout: cfg.ActionTimeout,
	}, logger)
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"base-url":     "portal.base_url",
	"headless":     "browser.headless",
	"measure":      "merge.variant.measure",
	"period":       "merge.variant.period",
	"code-width":   "merge.variant.code_width",
	"storage":      "storage.backend",
	"output-dir":   "merge.output_dir",
	"reference":    "merge.reference_path",
	"raw-tables":   "storage.raw_tables",
	"ledger":       "ledger.driver",
	"metrics":      "metrics.enabled",
	"metrics-addr": "metrics.addr",
	"log-level":    "logging.level",
}

// configLoader resolves the effective configuration once flags are parsed.
type configLoader func() (config.Config, error)

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests tabular data from a form-driven statistics portal.",
		Long: `harvester drives a headless browser through every combination of a
portal's form dimensions, extracts the rendered result tables, and merges
them into one wide table per entity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.String("base-url", "", "portal form URL")
	flags.Bool("headless", true, "run the browser without a window")
	flags.String("measure", "", "measure variant (value or quantity)")
	flags.String("period", "", "period variant (monthly or annual)")
	flags.Int("code-width", 0, "digits in a normalized key")
	flags.String("storage", "", "blob backend: local, memory, gcs or s3")
	flags.String("output-dir", "", "directory for merged entity files")
	flags.String("reference", "", "local CSV mapping key to description")
	flags.Bool("raw-tables", false, "dump raw extracted tables before merging")
	flags.String("ledger", "", "run ledger: none, postgres or sqlite")
	flags.Bool("metrics", false, "serve status and metrics over HTTP")
	flags.String("metrics-addr", "", "status listener address")
	flags.String("log-level", "", "minimum log level")
	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}

	load := func() (config.Config, error) {
		cfg, err := config.LoadWith(v, cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cmd.AddCommand(newHarvestCmd(load), newMergeCmd(load))
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Execute runs the root command until it finishes or a signal arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}
