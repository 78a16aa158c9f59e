package service

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slidemap/server/internal/annotation"
	"github.com/slidemap/server/internal/classifier"
	"github.com/slidemap/server/internal/config"
	"github.com/slidemap/server/internal/heatmap"
	"github.com/slidemap/server/internal/jobstore"
	"github.com/slidemap/server/internal/pyramid"
	"github.com/slidemap/server/internal/testutil"
)

// newTestConfig writes a 1024x1024 slide with 256px tiles (4x4 tiles at
// level 10). The left half is tumor, the right half healthy. Column 3 is
// blank glass, the rest carries tissue.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	dziPath := testutil.WriteDZI(t, dir, "scan", 1024, 1024, 256, []int{10}, func(addr pyramid.TileAddress, img *image.NRGBA) {
		if addr.Column < 3 {
			testutil.PaintTissue(addr, img)
		}
	})
	xmlPath := testutil.WriteAnnotations(t, dir, "scan", []testutil.Region{
		{Description: "malignant", Points: testutil.Rect(0, 0, 512, 1024)},
		{Description: "healthy", Points: testutil.Rect(512, 0, 1024, 1024)},
	})

	cfg := config.DefaultConfig()
	cfg.Slides = config.SlidesConfig{}
	cfg.Slides.Add("scan", config.SlideConfig{Name: "scan", DZIPath: dziPath, AnnotationPath: xmlPath})
	level := 10
	cfg.Scan.Level = &level
	cfg.Scan.Workers = 2
	cfg.Scan.ProgressEveryRows = 1
	cfg.Classifier.Normalizer = "none"
	cfg.Output.Dir = filepath.Join(dir, "out")
	return cfg
}

func fixedClassifier(p float64, calls *atomic.Int64) classifier.Classifier {
	return classifier.Func(func(ctx context.Context, tile image.Image) (float64, error) {
		if calls != nil {
			calls.Add(1)
		}
		return p, nil
	})
}

func TestHeatmapService_RunTruth(t *testing.T) {
	cfg := newTestConfig(t)
	svc := NewHeatmapService(HeatmapServiceConfig{Config: cfg})

	var progress []int
	res, path, err := svc.Run(context.Background(), RunOptions{
		SlideID:    "scan",
		Mode:       jobstore.ModeTruth,
		Level:      -1,
		Workers:    1,
		OnProgress: func(done, total int) { progress = append(progress, done) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := filepath.Join(cfg.Output.Dir, "scan_truth_10.json"); path != want {
		t.Errorf("expected result at %s, got %s", want, path)
	}
	if len(res.Map) != 16 {
		t.Fatalf("expected 16 tiles, got %d", len(res.Map))
	}
	for col := 0; col < 4; col++ {
		want := 1.0
		if col >= 2 {
			want = 0
		}
		if v, _ := res.Map.Get(pyramid.TileAddress{Level: 10, Column: col, Row: 1}); v != want {
			t.Errorf("column %d: expected %v, got %v", col, want, v)
		}
	}
	if len(progress) != 4 || progress[3] != 4 {
		t.Errorf("unexpected progress %v", progress)
	}

	stored, err := heatmap.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(stored) != 16 || stored["10_0_0"] != 1 || stored["10_3_3"] != 0 {
		t.Errorf("unexpected stored map %v", stored)
	}
}

func TestHeatmapService_RunPredict(t *testing.T) {
	cfg := newTestConfig(t)
	var calls atomic.Int64
	svc := NewHeatmapService(HeatmapServiceConfig{Config: cfg, Classifier: fixedClassifier(0.75, &calls)})

	out := filepath.Join(t.TempDir(), "predict.json.zst")
	res, path, err := svc.Run(context.Background(), RunOptions{SlideID: "scan", Mode: jobstore.ModePredict, Level: 10, OutputPath: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if path != out {
		t.Errorf("expected output override %s, got %s", out, path)
	}
	if len(res.Map) != 12 || calls.Load() != 12 {
		t.Fatalf("expected 12 labeled tiles, got %d (calls %d)", len(res.Map), calls.Load())
	}
	if _, ok := res.Map["10_3_0"]; ok {
		t.Error("blank tile must be skipped by the tissue filter")
	}
	if res.Stats.Skipped[heatmap.SkipNoTissue] != 4 || res.Stats.Failed() != 0 {
		t.Errorf("unexpected skips %+v", res.Stats.Skipped)
	}

	stored, err := heatmap.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if stored["10_2_2"] != 0.75 {
		t.Errorf("unexpected stored value %v", stored["10_2_2"])
	}
}

func TestHeatmapService_PredictWithoutTissueFilter(t *testing.T) {
	cfg := newTestConfig(t)
	off := false
	cfg.Tissue.Enabled = &off
	svc := NewHeatmapService(HeatmapServiceConfig{Config: cfg, Classifier: fixedClassifier(0.2, nil)})

	res, _, err := svc.Run(context.Background(), RunOptions{SlideID: "scan", Mode: jobstore.ModePredict, Level: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Map) != 16 {
		t.Errorf("expected every in-region tile labeled, got %d", len(res.Map))
	}
}

func TestHeatmapService_RunErrors(t *testing.T) {
	cfg := newTestConfig(t)
	svc := NewHeatmapService(HeatmapServiceConfig{Config: cfg})
	ctx := context.Background()

	if _, _, err := svc.Run(ctx, RunOptions{SlideID: "nope", Mode: jobstore.ModeTruth, Level: -1}); !errors.Is(err, ErrSlideNotFound) {
		t.Errorf("expected ErrSlideNotFound, got %v", err)
	}
	if _, _, err := svc.Run(ctx, RunOptions{SlideID: "scan", Mode: "xai", Level: -1}); !errors.Is(err, heatmap.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown mode, got %v", err)
	}
	if _, _, err := svc.Run(ctx, RunOptions{SlideID: "scan", Mode: jobstore.ModeTruth, Level: 14}); !errors.Is(err, heatmap.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for a level past the pyramid, got %v", err)
	}
	// No classifier url configured.
	if _, _, err := svc.Run(ctx, RunOptions{SlideID: "scan", Mode: jobstore.ModePredict, Level: -1}); !errors.Is(err, heatmap.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration without classifier, got %v", err)
	}

	sc := cfg.Slides.Slides["scan"]
	empty := testutil.WriteAnnotations(t, t.TempDir(), "empty", []testutil.Region{
		{Description: "ruler", Points: testutil.Rect(0, 0, 10, 10)},
	})
	cfg.Slides.Add("empty", config.SlideConfig{DZIPath: sc.DZIPath, AnnotationPath: empty})
	if _, _, err := svc.Run(ctx, RunOptions{SlideID: "empty", Mode: jobstore.ModeTruth, Level: -1}); !errors.Is(err, annotation.ErrNoRegions) {
		t.Errorf("expected ErrNoRegions, got %v", err)
	}

	cfg.Slides.Add("missing", config.SlideConfig{DZIPath: filepath.Join(t.TempDir(), "gone.dzi"), AnnotationPath: sc.AnnotationPath})
	if _, _, err := svc.Run(ctx, RunOptions{SlideID: "missing", Mode: jobstore.ModeTruth, Level: -1}); !errors.Is(err, pyramid.ErrUnreadableSource) {
		t.Errorf("expected ErrUnreadableSource, got %v", err)
	}
}

func TestHeatmapService_WriteFailureKeepsResult(t *testing.T) {
	cfg := newTestConfig(t)
	svc := NewHeatmapService(HeatmapServiceConfig{Config: cfg})

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(blocker, "out.json")
	res, path, err := svc.Run(context.Background(), RunOptions{SlideID: "scan", Mode: jobstore.ModeTruth, Level: -1, OutputPath: bad})
	if !errors.Is(err, heatmap.ErrSinkWrite) {
		t.Fatalf("expected ErrSinkWrite, got %v", err)
	}
	if res == nil || len(res.Map) != 16 || path != bad {
		t.Fatalf("expected the in-memory result to survive, got %v %q", res, path)
	}

	good := filepath.Join(t.TempDir(), "retry.json")
	if err := svc.Persist(context.Background(), res, good); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if stored, err := heatmap.ReadFile(good); err != nil || len(stored) != 16 {
		t.Errorf("unexpected retried write %d %v", len(stored), err)
	}
}

func TestHeatmapService_ExecuteJob(t *testing.T) {
	cfg := newTestConfig(t)
	svc := NewHeatmapService(HeatmapServiceConfig{Config: cfg})
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	job := &jobstore.Job{
		ID:        "job-1",
		SlideID:   "scan",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.JobParams{SlideID: "scan", Mode: jobstore.ModeTruth, Level: 10},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	if err := svc.ExecuteJob(context.Background(), store, "job-1"); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}
	got, err := store.GetJob("job-1")
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v %v", got, err)
	}
	if got.Progress.Done != 4 || got.Progress.Total != 4 {
		t.Errorf("unexpected progress %+v", got.Progress)
	}
	if got.Stats == nil || got.Stats.Labeled != 16 || got.Stats.InRegion != 16 {
		t.Errorf("unexpected stats %+v", got.Stats)
	}
	if got.ResultPath != svc.ResultPath("scan", jobstore.ModeTruth, 10) {
		t.Errorf("unexpected result path %q", got.ResultPath)
	}

	if err := svc.ExecuteJob(context.Background(), store, "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestHeatmapService_ExecuteJobCancelled(t *testing.T) {
	cfg := newTestConfig(t)
	svc := NewHeatmapService(HeatmapServiceConfig{Config: cfg})
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.CreateJob(&jobstore.Job{
		ID:        "job-2",
		SlideID:   "scan",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.JobParams{SlideID: "scan", Mode: jobstore.ModeTruth, Level: 10},
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.ExecuteJob(ctx, store, "job-2"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got, _ := store.GetJob("job-2")
	if got.Stats == nil || !got.Stats.Cancelled || got.ResultPath != "" {
		t.Errorf("expected partial stats without a result, got %+v", got)
	}
	if _, err := os.Stat(svc.ResultPath("scan", jobstore.ModeTruth, 10)); !os.IsNotExist(err) {
		t.Errorf("cancelled run must not write a result: %v", err)
	}
}
