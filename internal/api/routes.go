// Package api provides HTTP handlers for the slidemap server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/slidemap/server/internal/cache"
	"github.com/slidemap/server/internal/heatmap"
	"github.com/slidemap/server/internal/jobstore"
	"github.com/slidemap/server/internal/render"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry     *SlideRegistry
	CORSOrigins  []string
	JobManager   *JobManager
	Cache        *cache.Manager
	Renderer     *render.OverlayRenderer
	DefaultLevel int
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/slides", slidesHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	r.Route("/api/heatmaps", func(r chi.Router) {
		r.Post("/", heatmapSubmitHandler(cfg))
		r.Get("/", heatmapListHandler(cfg.JobManager))
		r.Get("/{job_id}", heatmapStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/result", heatmapResultHandler(cfg))
		r.Get("/{job_id}/overlay.png", heatmapOverlayHandler(cfg))
		r.Delete("/{job_id}", heatmapDeleteHandler(cfg.JobManager))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// slidesHandler returns the list of configured slides.
func slidesHandler(registry *SlideRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default": registry.DefaultSlideID(),
			"slides":  registry.Slides(),
			"title":   registry.Title(),
		})
	}
}

func cacheStatsHandler(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

// Heatmap job handlers

type heatmapSubmitRequest struct {
	Slide string `json:"slide"`
	Mode  string `json:"mode"`
	Level *int   `json:"level"`
}

func heatmapSubmitHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.JobManager == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req heatmapSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		mode, err := jobstore.ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slide, ok := cfg.Registry.Get(req.Slide)
		if !ok {
			http.Error(w, "slide not found: "+req.Slide, http.StatusNotFound)
			return
		}

		level := cfg.DefaultLevel
		if req.Level != nil {
			level = *req.Level
		}
		if level < 0 {
			http.Error(w, "level must be >= 0", http.StatusBadRequest)
			return
		}
		if slide.Width > 0 && level > slide.MaxLevel {
			http.Error(w, "level "+strconv.Itoa(level)+" exceeds max level "+strconv.Itoa(slide.MaxLevel), http.StatusBadRequest)
			return
		}

		job, err := cfg.JobManager.Submit(jobstore.JobParams{SlideID: slide.ID, Mode: mode, Level: level})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, job)
	}
}

func heatmapListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(r.URL.Query().Get("slide"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

// lookupJob resolves {job_id} or writes the error response.
func lookupJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *jobstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
	}
	return job
}

func heatmapStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// completedResult loads the result map of a completed job or writes the
// error response.
func completedResult(cfg RouterConfig, w http.ResponseWriter, r *http.Request) (*jobstore.Job, heatmap.Map, string) {
	job := lookupJob(cfg.JobManager, w, r)
	if job == nil {
		return nil, nil, ""
	}
	if job.Status != jobstore.JobStatusCompleted || job.ResultPath == "" {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusConflict)
		return nil, nil, ""
	}

	hm, key, err := loadResult(cfg.Cache, job.ResultPath)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "result file missing", http.StatusNotFound)
		return nil, nil, ""
	}
	if err != nil {
		http.Error(w, "failed to read result: "+err.Error(), http.StatusInternalServerError)
		return nil, nil, ""
	}
	return job, hm, key
}

func loadResult(c *cache.Manager, path string) (heatmap.Map, string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}
	key := cache.ResultKey(path, st.ModTime())
	if c != nil {
		if hm, ok := c.GetResult(key); ok {
			return hm, key, nil
		}
	}
	hm, err := heatmap.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	if c != nil {
		c.SetResult(key, hm)
	}
	return hm, key, nil
}

func heatmapResultHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, hm, _ := completedResult(cfg, w, r)
		if hm == nil {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// Stored values are already rounded.
		heatmap.Encode(w, hm, -1)
	}
}

func heatmapOverlayHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Renderer == nil {
			http.Error(w, "renderer not configured", http.StatusNotImplemented)
			return
		}
		job, hm, resultKey := completedResult(cfg, w, r)
		if hm == nil {
			return
		}
		if job.Stats == nil || job.Stats.Columns <= 0 || job.Stats.Rows <= 0 {
			http.Error(w, "job has no grid statistics", http.StatusInternalServerError)
			return
		}

		opts := render.Options{Colormap: r.URL.Query().Get("colormap")}
		if s := r.URL.Query().Get("cell"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				http.Error(w, "invalid cell size", http.StatusBadRequest)
				return
			}
			opts.CellSize = v
		}

		key := cache.OverlayKey(resultKey, map[string]string{
			"cell":     strconv.Itoa(opts.CellSize),
			"colormap": opts.Colormap,
		})
		if cfg.Cache != nil {
			if data, ok := cfg.Cache.GetOverlay(key); ok {
				w.Header().Set("Content-Type", "image/png")
				w.Header().Set("X-Cache", "HIT")
				w.Write(data)
				return
			}
		}

		data, err := cfg.Renderer.Render(hm, job.Params.Level, job.Stats.Columns, job.Stats.Rows, opts)
		if errors.Is(err, render.ErrUnknownColormap) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "failed to render overlay: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cfg.Cache != nil {
			cfg.Cache.SetOverlay(key, data)
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Cache", "MISS")
		w.Write(data)
	}
}

// heatmapDeleteHandler cancels an unfinished job or deletes a finished one.
func heatmapDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}

		if !job.Status.Finished() {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    job.ID,
				"cancelled": jm.Cancel(job.ID),
			})
			return
		}

		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  job.ID,
			"deleted": true,
		})
	}
}
