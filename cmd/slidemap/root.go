package main

import (
	"fmt"

	"github.com/slidemap/server/internal/config"
	"github.com/slidemap/server/internal/jobstore"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "slidemap",
	Short: "Tumor heatmaps for annotated whole-slide images",
	Long: `Slidemap walks one level of a Deep Zoom slide pyramid, keeps the tiles
whose center falls inside an annotated healthy or tumor region and writes a
flat "level_col_row" -> value map.

Modes:
  truth    - value from the annotation label (tumor 1, healthy 0)
  predict  - tumor probability from the remote classifier, after a tissue check`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "config/server.yaml", "path to configuration file",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newScanCmd(jobstore.ModeTruth))
	rootCmd.AddCommand(newScanCmd(jobstore.ModePredict))
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
