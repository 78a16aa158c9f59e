// Package service provides the heatmap business logic shared by the HTTP
// server and the command line.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/slidemap/server/internal/annotation"
	"github.com/slidemap/server/internal/classifier"
	"github.com/slidemap/server/internal/config"
	"github.com/slidemap/server/internal/data/dzi"
	"github.com/slidemap/server/internal/heatmap"
	"github.com/slidemap/server/internal/jobstore"
	"github.com/slidemap/server/internal/pyramid"
	"github.com/slidemap/server/internal/tissue"
)

// ErrSlideNotFound is returned for slide ids missing from the configuration.
var ErrSlideNotFound = errors.New("slide not found")

// HeatmapServiceConfig contains heatmap service dependencies.
type HeatmapServiceConfig struct {
	Config *config.Config
	// Provider opens slide pyramids; nil means Deep Zoom on disk.
	Provider pyramid.Provider
	// Classifier overrides the remote classifier built from the config.
	Classifier classifier.Classifier
}

// HeatmapService runs heatmap scans for configured slides.
type HeatmapService struct {
	cfg        *config.Config
	provider   pyramid.Provider
	classifier classifier.Classifier
}

// RunOptions selects what to scan. Zero values fall back to the config.
type RunOptions struct {
	SlideID string
	Mode    jobstore.Mode
	// Level is the pyramid level to scan; negative means scan.level.
	Level   int
	Workers int
	// OutputPath overrides the result location. The format follows the
	// extension: ".tdb" is TileDB, ".zst" compressed JSON, anything else JSON.
	OutputPath string
	OnProgress func(done, total int)
}

// NewHeatmapService creates a new heatmap service.
func NewHeatmapService(cfg HeatmapServiceConfig) *HeatmapService {
	provider := cfg.Provider
	if provider == nil {
		provider = dzi.Provider{}
	}
	return &HeatmapService{
		cfg:        cfg.Config,
		provider:   provider,
		classifier: cfg.Classifier,
	}
}

// Config returns the service configuration.
func (s *HeatmapService) Config() *config.Config {
	return s.cfg
}

// ResultPath returns the default result location for a run.
func (s *HeatmapService) ResultPath(slideID string, mode jobstore.Mode, level int) string {
	name := fmt.Sprintf("%s_%s_%d%s", slideID, mode, level, heatmap.Extension(s.cfg.Output.Format))
	return filepath.Join(s.cfg.Output.Dir, name)
}

// Run scans one slide and persists the result. A cancelled run returns the
// partial result, which is not written. When only the write fails, the
// result and its path are returned with an error wrapping
// heatmap.ErrSinkWrite so the caller can retry with Persist.
func (s *HeatmapService) Run(ctx context.Context, opts RunOptions) (*heatmap.Result, string, error) {
	sc, slideID, ok := s.cfg.Slides.Get(opts.SlideID)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrSlideNotFound, opts.SlideID)
	}
	if _, err := jobstore.ParseMode(string(opts.Mode)); err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, heatmap.ErrConfiguration)
	}
	level := opts.Level
	if level < 0 {
		level = s.cfg.Scan.TargetLevel()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = s.cfg.Scan.Workers
	}

	handle, err := s.provider.Open(sc.DZIPath)
	if err != nil {
		return nil, "", err
	}
	defer handle.Close()

	regions, err := annotation.ParseFile(sc.AnnotationPath)
	if err != nil {
		return nil, "", err
	}
	for _, w := range regions.Warnings {
		log.Printf("[HeatmapService] %s: dropped %s", slideID, w)
	}
	if regions.Len() == 0 {
		return nil, "", fmt.Errorf("%s: %w", sc.AnnotationPath, annotation.ErrNoRegions)
	}
	healthy, tumor := regions.Counts()
	log.Printf("[HeatmapService] %s: %d healthy and %d tumor regions, %d ignored", slideID, healthy, tumor, regions.Ignored)

	aggCfg := heatmap.Config{
		Level:         level,
		Workers:       workers,
		TileTimeout:   s.cfg.Scan.TileTimeout(),
		ProgressEvery: s.cfg.Scan.ProgressEveryRows,
		OnProgress:    opts.OnProgress,
		Name:          "Scanner " + slideID,
	}
	var label heatmap.LabelFunc = heatmap.GroundTruth
	if opts.Mode == jobstore.ModePredict {
		pipeline, err := s.pipeline()
		if err != nil {
			return nil, "", err
		}
		label = pipeline.LabelFunc()
		aggCfg.ReadPixels = true
		if s.cfg.Tissue.IsEnabled() {
			maxMean, minStdDev := s.cfg.Tissue.Thresholds()
			aggCfg.Tissue = tissue.Filter{MaxMean: maxMean, MinStdDev: minStdDev}
		}
	}

	agg, err := heatmap.NewAggregator(aggCfg, handle, regions, label)
	if err != nil {
		return nil, "", err
	}
	cols, rows := agg.Grid()
	log.Printf("[HeatmapService] %s: %s scan of level %d (%dx%d tiles, %d workers)", slideID, opts.Mode, level, cols, rows, workers)

	res, err := agg.Run(ctx)
	if err != nil {
		return res, "", err
	}
	log.Printf("[HeatmapService] %s: %s", slideID, res.Stats.Summary())

	path := opts.OutputPath
	if path == "" {
		path = s.ResultPath(slideID, opts.Mode, level)
	}
	if err := s.Persist(ctx, res, path); err != nil {
		return res, path, err
	}
	log.Printf("[HeatmapService] %s: wrote %d tiles to %s", slideID, len(res.Map), path)
	return res, path, nil
}

// Persist writes res to path.
func (s *HeatmapService) Persist(ctx context.Context, res *heatmap.Result, path string) error {
	sink, err := heatmap.NewSink(formatOf(path), path, s.cfg.Output.Digits())
	if err != nil {
		return err
	}
	return sink.Write(ctx, res)
}

// ExecuteJob runs a queued heatmap job (called by JobManager worker).
func (s *HeatmapService) ExecuteJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	res, path, err := s.Run(ctx, RunOptions{
		SlideID: job.Params.SlideID,
		Mode:    job.Params.Mode,
		Level:   job.Params.Level,
		OnProgress: func(done, total int) {
			if err := store.UpdateJobProgress(jobID, done, total); err != nil {
				log.Printf("[HeatmapService] failed to update progress for job %s: %v", jobID, err)
			}
		},
	})
	if errors.Is(err, heatmap.ErrSinkWrite) {
		log.Printf("[HeatmapService] job %s: %v, retrying write", jobID, err)
		err = s.Persist(ctx, res, path)
	}
	if err != nil {
		path = ""
	}
	if res != nil {
		if serr := store.UpdateJobResult(jobID, res.Stats, path); serr != nil {
			log.Printf("[HeatmapService] failed to store result of job %s: %v", jobID, serr)
		}
	}
	return err
}

func (s *HeatmapService) pipeline() (classifier.Pipeline, error) {
	cc := s.cfg.Classifier
	norm, err := classifier.NewNormalizer(cc.Normalizer)
	if err != nil {
		return classifier.Pipeline{}, fmt.Errorf("%v: %w", err, heatmap.ErrConfiguration)
	}

	clf := s.classifier
	if clf == nil {
		httpClient, err := classifier.NewHTTPClient(classifier.HTTPConfig{
			URL:        cc.URL,
			Timeout:    msDuration(cc.TimeoutMS),
			Attempts:   uint(max(cc.Attempts, 0)),
			RetryDelay: msDuration(cc.RetryDelayMS),
		})
		if err != nil {
			return classifier.Pipeline{}, fmt.Errorf("%v: %w", err, heatmap.ErrConfiguration)
		}
		clf = httpClient
	}

	return classifier.Pipeline{
		Classifier: clf,
		Normalizer: norm,
		Input:      classifier.Input{ResizeSize: cc.ResizeSize, InputSize: cc.InputSize},
	}, nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func formatOf(path string) string {
	switch {
	case strings.HasSuffix(path, heatmap.Extension(heatmap.FormatTileDB)):
		return heatmap.FormatTileDB
	case strings.HasSuffix(path, ".zst"):
		return heatmap.FormatJSONZstd
	default:
		return heatmap.FormatJSON
	}
}
