package main

import (
	"errors"
	"fmt"

	"github.com/slidemap/server/internal/heatmap"
	"github.com/slidemap/server/internal/jobstore"
	"github.com/slidemap/server/internal/service"
	"github.com/spf13/cobra"
)

type scanFlags struct {
	slide   string
	level   int
	output  string
	workers int
}

func newScanCmd(mode jobstore.Mode) *cobra.Command {
	var f scanFlags
	short := "Write the ground-truth heatmap of a slide"
	if mode == jobstore.ModePredict {
		short = "Write the classifier heatmap of a slide"
	}

	cmd := &cobra.Command{
		Use:   string(mode),
		Short: short,
		Example: fmt.Sprintf(`  slidemap %[1]s                       # default slide at scan.level
  slidemap %[1]s --slide scan2 --level 15
  slidemap %[1]s -o /tmp/scan2.json.zst   # compressed output`, mode),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc := service.NewHeatmapService(service.HeatmapServiceConfig{Config: cfg})

			res, path, err := svc.Run(cmd.Context(), service.RunOptions{
				SlideID:    f.slide,
				Mode:       mode,
				Level:      f.level,
				Workers:    f.workers,
				OutputPath: f.output,
			})
			if errors.Is(err, heatmap.ErrSinkWrite) {
				return fmt.Errorf("scan finished (%s) but the result was not written: %w", res.Stats.Summary(), err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Stats.Summary())
			if n := res.Stats.Failed(); n > 0 {
				fmt.Fprintf(out, "%d tiles failed, first: %s (%s)\n", n, res.Stats.Failures[0].Key, res.Stats.Failures[0].Error)
			}
			fmt.Fprintf(out, "wrote %d tiles to %s\n", len(res.Map), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.slide, "slide", "", "slide id from the config (default: first slide)")
	cmd.Flags().IntVar(&f.level, "level", -1, "pyramid level to scan (default: scan.level)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "result path; .json, .json.zst or .tdb (default: output.dir)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "rows scanned concurrently (default: scan.workers)")
	return cmd
}
