// Package config handles configuration loading for the slidemap server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for settings where zero is a meaningful value.
const (
	DefaultScanLevel       = 16
	DefaultTissueMaxMean   = 215.0
	DefaultTissueMinStdDev = 20.0
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Slides     SlidesConfig     `yaml:"slides"`
	Scan       ScanConfig       `yaml:"scan"`
	Tissue     TissueConfig     `yaml:"tissue"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Output     OutputConfig     `yaml:"output"`
	Cache      CacheConfig      `yaml:"cache"`
	Render     RenderConfig     `yaml:"render"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// SlideConfig points at one slide pyramid and its annotation document.
type SlideConfig struct {
	Name           string `yaml:"name"`
	DZIPath        string `yaml:"dzi_path"`
	AnnotationPath string `yaml:"annotation_path"`
}

// SlidesConfig is an ordered set of slides keyed by id. The first slide in
// the file is the default.
type SlidesConfig struct {
	Default string
	Slides  map[string]SlideConfig
	order   []string
}

// UnmarshalYAML keeps the declaration order of the slide ids.
func (s *SlidesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("slides: expected a mapping, got %s", node.Tag)
	}
	s.Slides = make(map[string]SlideConfig, len(node.Content)/2)
	s.order = s.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var sc SlideConfig
		if err := node.Content[i+1].Decode(&sc); err != nil {
			return fmt.Errorf("slides.%s: %w", id, err)
		}
		if _, dup := s.Slides[id]; dup {
			return fmt.Errorf("slides: duplicate id %q", id)
		}
		s.Slides[id] = sc
		s.order = append(s.order, id)
	}
	if len(s.order) > 0 {
		s.Default = s.order[0]
	}
	return nil
}

// Add appends a slide, keeping order. The first slide becomes the default.
func (s *SlidesConfig) Add(id string, sc SlideConfig) {
	if s.Slides == nil {
		s.Slides = make(map[string]SlideConfig)
	}
	if _, ok := s.Slides[id]; !ok {
		s.order = append(s.order, id)
	}
	s.Slides[id] = sc
	if s.Default == "" {
		s.Default = id
	}
}

// IDs returns the slide ids in declaration order.
func (s *SlidesConfig) IDs() []string {
	return append([]string(nil), s.order...)
}

// Get returns the slide with id, or the default slide when id is empty.
func (s *SlidesConfig) Get(id string) (SlideConfig, string, bool) {
	if id == "" {
		id = s.Default
	}
	sc, ok := s.Slides[id]
	return sc, id, ok
}

// ScanConfig controls the heatmap scan.
type ScanConfig struct {
	// Level is the pyramid level to scan; nil means DefaultScanLevel.
	// Zero is a valid level.
	Level             *int `yaml:"level"`
	Workers           int  `yaml:"workers"`
	TileTimeoutMS     int  `yaml:"tile_timeout_ms"`
	ProgressEveryRows int  `yaml:"progress_every_rows"`
}

// TargetLevel returns the configured scan level.
func (s ScanConfig) TargetLevel() int {
	if s.Level == nil {
		return DefaultScanLevel
	}
	return *s.Level
}

func (s ScanConfig) TileTimeout() time.Duration {
	return time.Duration(s.TileTimeoutMS) * time.Millisecond
}

// TissueConfig contains the tissue filter thresholds.
// Nil thresholds take the defaults; zero thresholds are kept.
type TissueConfig struct {
	Enabled   *bool    `yaml:"enabled"`
	MaxMean   *float64 `yaml:"max_mean"`
	MinStdDev *float64 `yaml:"min_stddev"`
}

// IsEnabled reports whether predict runs apply the tissue filter.
func (t TissueConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Thresholds returns the luminance mean ceiling and standard deviation
// floor.
func (t TissueConfig) Thresholds() (maxMean, minStdDev float64) {
	maxMean, minStdDev = DefaultTissueMaxMean, DefaultTissueMinStdDev
	if t.MaxMean != nil {
		maxMean = *t.MaxMean
	}
	if t.MinStdDev != nil {
		minStdDev = *t.MinStdDev
	}
	return maxMean, minStdDev
}

// ClassifierConfig points at the remote classifier.
type ClassifierConfig struct {
	URL          string `yaml:"url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	Attempts     int    `yaml:"attempts"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
	InputSize    int    `yaml:"input_size"`
	ResizeSize   int    `yaml:"resize_size"`
	Normalizer   string `yaml:"normalizer"`
}

// OutputConfig controls where results are written.
type OutputConfig struct {
	Dir       string `yaml:"dir"`
	Format    string `yaml:"format"`
	Precision *int   `yaml:"precision"`
}

// Digits returns the rounding precision of stored values.
func (o OutputConfig) Digits() int {
	if o.Precision == nil {
		return 4
	}
	return *o.Precision
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	OverlaySizeMB     int `yaml:"overlay_size_mb"`
	OverlayTTLMinutes int `yaml:"overlay_ttl_minutes"`
	ResultCacheSize   int `yaml:"result_cache_size"`
}

// RenderConfig contains overlay rendering settings.
type RenderConfig struct {
	CellSize      int     `yaml:"cell_size"`
	MaxOpacity    float64 `yaml:"max_opacity"`
	MinConfidence float64 `yaml:"min_confidence"`
	Colormap      string  `yaml:"colormap"`
}

// JobsConfig controls the heatmap job queue.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	resolvePaths(&cfg, filepath.Dir(path))

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Slidemap",
		},
		Scan: ScanConfig{
			Workers:           4,
			TileTimeoutMS:     30000,
			ProgressEveryRows: 100,
		},
		Classifier: ClassifierConfig{
			TimeoutMS:    10000,
			Attempts:     3,
			RetryDelayMS: 200,
			InputSize:    224,
			ResizeSize:   256,
			Normalizer:   "macenko",
		},
		Output: OutputConfig{
			Dir:    "./data/heatmaps",
			Format: "json",
		},
		Cache: CacheConfig{
			OverlaySizeMB:     128,
			OverlayTTLMinutes: 10,
			ResultCacheSize:   32,
		},
		Render: RenderConfig{
			CellSize:      4,
			MaxOpacity:    0.5,
			MinConfidence: 0.1,
			Colormap:      "redgreen",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/jobs.sqlite",
			RetentionDays: 7,
		},
	}
	cfg.Slides.Add("default", SlideConfig{
		Name:           "default",
		DZIPath:        "./data/slides/default.dzi",
		AnnotationPath: "./data/slides/default.session.xml",
	})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Slides.Slides) == 0 {
		cfg.Slides = defaults.Slides
	}
	for _, id := range cfg.Slides.IDs() {
		sc := cfg.Slides.Slides[id]
		if sc.Name == "" {
			sc.Name = id
			cfg.Slides.Slides[id] = sc
		}
	}

	if cfg.Scan.Workers == 0 {
		cfg.Scan.Workers = defaults.Scan.Workers
	}
	if cfg.Scan.TileTimeoutMS == 0 {
		cfg.Scan.TileTimeoutMS = defaults.Scan.TileTimeoutMS
	}
	if cfg.Scan.ProgressEveryRows == 0 {
		cfg.Scan.ProgressEveryRows = defaults.Scan.ProgressEveryRows
	}


	if cfg.Classifier.TimeoutMS == 0 {
		cfg.Classifier.TimeoutMS = defaults.Classifier.TimeoutMS
	}
	if cfg.Classifier.Attempts == 0 {
		cfg.Classifier.Attempts = defaults.Classifier.Attempts
	}
	if cfg.Classifier.RetryDelayMS == 0 {
		cfg.Classifier.RetryDelayMS = defaults.Classifier.RetryDelayMS
	}
	if cfg.Classifier.InputSize == 0 {
		cfg.Classifier.InputSize = defaults.Classifier.InputSize
	}
	if cfg.Classifier.ResizeSize == 0 {
		cfg.Classifier.ResizeSize = defaults.Classifier.ResizeSize
	}
	if cfg.Classifier.Normalizer == "" {
		cfg.Classifier.Normalizer = defaults.Classifier.Normalizer
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = defaults.Output.Format
	}

	if cfg.Cache.OverlaySizeMB == 0 {
		cfg.Cache.OverlaySizeMB = defaults.Cache.OverlaySizeMB
	}
	if cfg.Cache.OverlayTTLMinutes == 0 {
		cfg.Cache.OverlayTTLMinutes = defaults.Cache.OverlayTTLMinutes
	}
	if cfg.Cache.ResultCacheSize == 0 {
		cfg.Cache.ResultCacheSize = defaults.Cache.ResultCacheSize
	}

	if cfg.Render.CellSize == 0 {
		cfg.Render.CellSize = defaults.Render.CellSize
	}
	if cfg.Render.MaxOpacity == 0 {
		cfg.Render.MaxOpacity = defaults.Render.MaxOpacity
	}
	if cfg.Render.MinConfidence == 0 {
		cfg.Render.MinConfidence = defaults.Render.MinConfidence
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}

// resolvePaths makes relative slide paths relative to the config file.
func resolvePaths(cfg *Config, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for _, id := range cfg.Slides.IDs() {
		sc := cfg.Slides.Slides[id]
		sc.DZIPath = abs(os.ExpandEnv(sc.DZIPath))
		sc.AnnotationPath = abs(os.ExpandEnv(sc.AnnotationPath))
		cfg.Slides.Slides[id] = sc
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if level := c.Scan.TargetLevel(); level < 0 {
		return fmt.Errorf("scan.level must be >= 0, got %d", level)
	}
	if maxMean, minStdDev := c.Tissue.Thresholds(); maxMean < 0 || minStdDev < 0 {
		return fmt.Errorf("tissue thresholds must be >= 0, got max_mean %v, min_stddev %v", maxMean, minStdDev)
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must be >= 0, got %d", c.Scan.Workers)
	}
	if c.Render.MaxOpacity < 0 || c.Render.MaxOpacity > 1 {
		return fmt.Errorf("render.max_opacity must be in [0,1], got %v", c.Render.MaxOpacity)
	}
	switch c.Output.Format {
	case "json", "json.zst", "tiledb":
	default:
		return fmt.Errorf("output.format must be json, json.zst or tiledb, got %q", c.Output.Format)
	}
	if c.Output.Digits() < 0 {
		return fmt.Errorf("output.precision must be >= 0")
	}
	for _, id := range c.Slides.IDs() {
		sc := c.Slides.Slides[id]
		if sc.DZIPath == "" {
			return fmt.Errorf("slides.%s.dzi_path is required", id)
		}
		if sc.AnnotationPath == "" {
			return fmt.Errorf("slides.%s.annotation_path is required", id)
		}
	}
	return nil
}
