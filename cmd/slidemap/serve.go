package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/slidemap/server/internal/api"
	"github.com/slidemap/server/internal/cache"
	"github.com/slidemap/server/internal/data/dzi"
	"github.com/slidemap/server/internal/render"
	"github.com/slidemap/server/internal/service"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the heatmap job server",
	Long: `Start the HTTP server. Heatmap scans are submitted as jobs, queued in
SQLite and executed by a fixed number of workers. Completed results are
served as JSON maps and PNG overlays.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	log.Printf("Starting slidemap server on port %d", cfg.Server.Port)

	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: cfg.Cache.OverlaySizeMB,
		OverlayTTL:         time.Duration(cfg.Cache.OverlayTTLMinutes) * time.Minute,
		ResultCacheSize:    cfg.Cache.ResultCacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	renderer := render.NewOverlayRenderer(render.Config{
		CellSize:      cfg.Render.CellSize,
		MaxOpacity:    cfg.Render.MaxOpacity,
		MinConfidence: cfg.Render.MinConfidence,
		Colormap:      cfg.Render.Colormap,
	})

	provider := dzi.Provider{}
	registry := api.DescribeSlides(cfg.Slides, provider, cfg.Server.Title)
	log.Printf("Registered %d slide(s), default: %s", len(registry.Slides()), registry.DefaultSlideID())

	svc := service.NewHeatmapService(service.HeatmapServiceConfig{
		Config:   cfg,
		Provider: provider,
	})

	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}
	log.Printf("Heatmap job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = svc.ExecuteJob
	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Registry:     registry,
		CORSOrigins:  cfg.Server.CORSOrigins,
		JobManager:   jobManager,
		Cache:        cacheManager,
		Renderer:     renderer,
		DefaultLevel: cfg.Scan.TargetLevel(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
	return nil
}
