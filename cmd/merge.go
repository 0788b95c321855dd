package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMergeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "merge MANIFEST",
		Short: "Re-merges a raw table dump without a browser",
		Long: `Loads the raw tables written by a harvest run with raw table dumping
enabled and merges them again under the current merge settings. MANIFEST is
the manifest object key in the configured blob store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer closeApp(app)

			h, err := app.Harvester(nil)
			if err != nil {
				return err
			}
			res, err := h.MergeDataset(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("merge %s: %w", args[0], err)
			}
			if err := printResult(cmd.OutOrStdout(), res); err != nil {
				app.Logger().Warn("summary render failed", zap.Error(err))
			}
			return nil
		},
	}
}
