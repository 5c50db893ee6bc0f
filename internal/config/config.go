// Package config handles configuration loading for the feature server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/stats"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Project   ProjectConfig  `yaml:"project"`
	ImageSets ImageSets      `yaml:"image_sets"`
	Features  FeaturesConfig `yaml:"features"`
	Cache     CacheConfig    `yaml:"cache"`
	Render    RenderConfig   `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// ProjectConfig locates the project database.
type ProjectConfig struct {
	BasePath   string `yaml:"base_path"`
	DBFilename string `yaml:"db_filename"`
}

// DBPath returns the full database path.
func (p ProjectConfig) DBPath() string {
	return filepath.Join(p.BasePath, p.DBFilename)
}

// ImageSetConfig describes one image set: a segmentation and its marker channels.
type ImageSetConfig struct {
	Name         string                    `yaml:"-"`
	Segmentation raster.Locator            `yaml:"segmentation"`
	Markers      map[string]raster.Locator `yaml:"markers"`
}

// ImageSets keeps image sets in the order they appear in the file.
type ImageSets []ImageSetConfig

// UnmarshalYAML decodes a mapping of name -> image set, preserving key order.
func (s *ImageSets) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("image_sets: expected a mapping, got line %d", node.Line)
	}
	out := make(ImageSets, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var set ImageSetConfig
		if err := node.Content[i+1].Decode(&set); err != nil {
			return fmt.Errorf("image_sets.%s: %w", node.Content[i].Value, err)
		}
		set.Name = node.Content[i].Value
		out = append(out, set)
	}
	*s = out
	return nil
}

// Names returns image set names in file order.
func (s ImageSets) Names() []string {
	names := make([]string, len(s))
	for i, set := range s {
		names[i] = set.Name
	}
	return names
}

// FeaturesConfig contains feature generation settings.
type FeaturesConfig struct {
	Statistics         []string `yaml:"statistics"`
	IncludeArea        *bool    `yaml:"include_area"`
	MaxWorkers         int      `yaml:"max_workers"` // 0 = runtime.NumCPU
	RecalculateOnStart bool     `yaml:"recalculate_on_start"`
	JobTimeoutSeconds  int      `yaml:"job_timeout_seconds"` // 0 = no timeout
}

// ParsedStatistics returns the configured statistics.
func (f FeaturesConfig) ParsedStatistics() ([]stats.Statistic, error) {
	out := make([]stats.Statistic, 0, len(f.Statistics))
	for _, name := range f.Statistics {
		s, err := stats.Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AreaEnabled reports whether the segment area feature is generated.
func (f FeaturesConfig) AreaEnabled() bool {
	return f.IncludeArea == nil || *f.IncludeArea
}

// JobTimeout returns the per-job timeout.
func (f FeaturesConfig) JobTimeout() time.Duration {
	return time.Duration(f.JobTimeoutSeconds) * time.Second
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	RasterEntries     int `yaml:"raster_entries"`
	OverlaySizeMB     int `yaml:"overlay_size_mb"`
	OverlayTTLMinutes int `yaml:"overlay_ttl_minutes"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap   string `yaml:"default_colormap"`
	MaxThumbnailWidth int    `yaml:"max_thumbnail_width"`
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

	if _, err := cfg.Features.ParsedStatistics(); err != nil {
		return nil, fmt.Errorf("features.statistics: %w", err)
	}
	seen := map[string]bool{}
	for _, set := range cfg.ImageSets {
		if seen[set.Name] {
			return nil, fmt.Errorf("image_sets: duplicate name %q", set.Name)
		}
		seen[set.Name] = true
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Project: ProjectConfig{
			BasePath:   "./data",
			DBFilename: "mantis.db",
		},
		Features: FeaturesConfig{
			Statistics: []string{"mean", "median"},
		},
		Cache: CacheConfig{
			RasterEntries:     64,
			OverlaySizeMB:     128,
			OverlayTTLMinutes: 10,
		},
		Render: RenderConfig{
			DefaultColormap:   "viridis",
			MaxThumbnailWidth: 2048,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Project.BasePath == "" {
		cfg.Project.BasePath = defaults.Project.BasePath
	}
	if cfg.Project.DBFilename == "" {
		cfg.Project.DBFilename = defaults.Project.DBFilename
	}
	if len(cfg.Features.Statistics) == 0 {
		cfg.Features.Statistics = defaults.Features.Statistics
	}
	if cfg.Cache.RasterEntries == 0 {
		cfg.Cache.RasterEntries = defaults.Cache.RasterEntries
	}
	if cfg.Cache.OverlaySizeMB == 0 {
		cfg.Cache.OverlaySizeMB = defaults.Cache.OverlaySizeMB
	}
	if cfg.Cache.OverlayTTLMinutes == 0 {
		cfg.Cache.OverlayTTLMinutes = defaults.Cache.OverlayTTLMinutes
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.MaxThumbnailWidth == 0 {
		cfg.Render.MaxThumbnailWidth = defaults.Render.MaxThumbnailWidth
	}
}
