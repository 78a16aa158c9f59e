// Package cache provides caching for rendered overlays and decoded heatmaps.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/slidemap/server/internal/heatmap"
)

// Config contains cache configuration.
type Config struct {
	OverlayCacheSizeMB int
	OverlayTTL         time.Duration
	ResultCacheSize    int
}

// Manager manages overlay and result caches.
type Manager struct {
	overlayCache *bigcache.BigCache
	resultCache  *lru.Cache[string, heatmap.Map]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = 10 * time.Minute
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = 32
	}

	overlayCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.OverlayTTL,
		CleanWindow:        cfg.OverlayTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // 256KB per overlay
		HardMaxCacheSize:   cfg.OverlayCacheSizeMB,
		Verbose:            false,
	}

	overlayCache, err := bigcache.New(context.Background(), overlayCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}

	resultCache, err := lru.New[string, heatmap.Map](cfg.ResultCacheSize)
	if err != nil {
		overlayCache.Close()
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Manager{
		overlayCache: overlayCache,
		resultCache:  resultCache,
	}, nil
}

// GetOverlay retrieves a rendered overlay from cache.
func (m *Manager) GetOverlay(key string) ([]byte, bool) {
	data, err := m.overlayCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetOverlay stores a rendered overlay in cache.
func (m *Manager) SetOverlay(key string, data []byte) error {
	return m.overlayCache.Set(key, data)
}

// GetResult retrieves a decoded heatmap. Callers must not modify it.
func (m *Manager) GetResult(key string) (heatmap.Map, bool) {
	return m.resultCache.Get(key)
}

// SetResult stores a decoded heatmap.
func (m *Manager) SetResult(key string, hm heatmap.Map) {
	m.resultCache.Add(key, hm)
}

// RemoveResult drops a decoded heatmap.
func (m *Manager) RemoveResult(key string) {
	m.resultCache.Remove(key)
}

// ResultKey generates a cache key for a result file. Rewriting the file
// changes the key.
func ResultKey(path string, modTime time.Time) string {
	return fmt.Sprintf("result:%s@%d", path, modTime.UnixNano())
}

// OverlayKey generates a cache key for an overlay of a result file.
func OverlayKey(resultKey string, params map[string]string) string {
	base := "overlay:" + resultKey
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Hash render params for cache key
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%s;", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"overlay_cache_len": m.overlayCache.Len(),
		"overlay_cache_cap": m.overlayCache.Capacity(),
		"result_cache_len":  m.resultCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.overlayCache.Close()
}
