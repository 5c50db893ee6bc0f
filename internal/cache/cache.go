// Package cache provides caching for decoded rasters and rendered overlays.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
)

// Config contains cache configuration.
type Config struct {
	OverlayCacheSizeMB int
	OverlayTTL         time.Duration
	RasterEntries      int
}

// Manager manages the overlay and raster caches.
type Manager struct {
	overlayCache *bigcache.BigCache
	rasterCache  *lru.Cache[string, *raster.Raster]
}

// overlayShards is the overlay cache shard count. A bigcache entry must fit in one shard.
const overlayShards = 16

// NewManager creates a new cache manager.
// An overlay larger than OverlayCacheSizeMB/16 is never cached.
func NewManager(cfg Config) (*Manager, error) {
	maxEntrySize := (cfg.OverlayCacheSizeMB << 20) / overlayShards
	if maxEntrySize <= 0 {
		maxEntrySize = 1 << 20
	}
	overlayCacheConfig := bigcache.Config{
		Shards:             overlayShards,
		LifeWindow:         cfg.OverlayTTL,
		CleanWindow:        cfg.OverlayTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       maxEntrySize,
		HardMaxCacheSize:   cfg.OverlayCacheSizeMB,
		Verbose:            false,
	}

	overlayCache, err := bigcache.New(context.Background(), overlayCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}

	rasterCache, err := lru.New[string, *raster.Raster](cfg.RasterEntries)
	if err != nil {
		overlayCache.Close()
		return nil, fmt.Errorf("failed to create raster cache: %w", err)
	}

	return &Manager{
		overlayCache: overlayCache,
		rasterCache:  rasterCache,
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

// InvalidateOverlays drops every cached overlay, e.g. after features were rewritten.
func (m *Manager) InvalidateOverlays() error {
	return m.overlayCache.Reset()
}

// GetRaster retrieves a decoded raster from cache.
func (m *Manager) GetRaster(key string) (*raster.Raster, bool) {
	return m.rasterCache.Get(key)
}

// SetRaster stores a decoded raster in cache.
func (m *Manager) SetRaster(key string, r *raster.Raster) {
	m.rasterCache.Add(key, r)
}

// RemoveRaster evicts a decoded raster.
func (m *Manager) RemoveRaster(key string) {
	m.rasterCache.Remove(key)
}

// OverlayKey generates a cache key for a feature overlay.
func OverlayKey(imageSet, feature, colormap string, width int, centroids bool) string {
	return fmt.Sprintf("overlay:%s:%s:%s:w=%d:c=%t", imageSet, feature, colormap, width, centroids)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"overlay_cache_len": m.overlayCache.Len(),
		"overlay_cache_cap": m.overlayCache.Capacity(),
		"raster_cache_len":  m.rasterCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.rasterCache.Purge()
	return m.overlayCache.Close()
}

// Decoder wraps a raster.Decoder with the raster LRU.
// Cached rasters are shared between callers and must be treated as read-only.
type Decoder struct {
	next  raster.Decoder
	cache *Manager
}

// NewDecoder returns a caching decoder.
func NewDecoder(next raster.Decoder, m *Manager) *Decoder {
	return &Decoder{next: next, cache: m}
}

// Decode implements raster.Decoder.
func (d *Decoder) Decode(ctx context.Context, loc raster.Locator) (*raster.Raster, error) {
	key := loc.Key()
	if r, ok := d.cache.GetRaster(key); ok {
		return r, nil
	}
	r, err := d.next.Decode(ctx, loc)
	if err != nil {
		return nil, err
	}
	d.cache.SetRaster(key, r)
	return r, nil
}

// Forget evicts the cached raster for a locator, e.g. after the file changed on disk.
func (d *Decoder) Forget(loc raster.Locator) {
	d.cache.RemoveRaster(loc.Key())
}
