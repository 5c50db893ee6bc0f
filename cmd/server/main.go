// Package main is the entry point for the segmentation feature server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/api"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/cache"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/config"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/features"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/featurestore"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/imageset"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/metrics"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/render"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	statistics, err := cfg.Features.ParsedStatistics()
	if err != nil {
		log.Fatalf("Invalid feature statistics: %v", err)
	}

	log.Printf("Starting feature server on port %d", cfg.Server.Port)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	// Open the project database
	store, err := featurestore.OpenFile(cfg.Project.DBPath())
	if err != nil {
		log.Fatalf("Failed to open feature store: %v", err)
	}
	defer store.Close()
	if n, err := store.NumFeatures(); err == nil {
		log.Printf("Feature store: %s (%d stored values)", store.Path(), n)
	}

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: cfg.Cache.OverlaySizeMB,
		OverlayTTL:         time.Duration(cfg.Cache.OverlayTTLMinutes) * time.Minute,
		RasterEntries:      cfg.Cache.RasterEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	fileDecoder, err := raster.NewFileDecoder()
	if err != nil {
		log.Fatalf("Failed to initialize raster decoder: %v", err)
	}
	defer fileDecoder.Close()
	decoder := cache.NewDecoder(fileDecoder, cacheManager)

	// Worker pool and feature generator
	maxWorkers := cfg.Features.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	pool := worker.NewPool(worker.Config{
		MaxWorkers: maxWorkers,
		Executor:   worker.NewCalculator(decoder),
		JobTimeout: cfg.Features.JobTimeout(),
	})
	log.Printf("Worker pool: max_workers=%d, statistics=%v, include_area=%v",
		maxWorkers, statistics, cfg.Features.AreaEnabled())

	generator := features.NewGenerator(features.Config{
		Pool:        pool,
		Store:       store,
		Statistics:  statistics,
		IncludeArea: cfg.Features.AreaEnabled(),
		OnReady: func(features.Report) {
			if err := cacheManager.InvalidateOverlays(); err != nil {
				log.Printf("Failed to invalidate overlay cache: %v", err)
			}
		},
	})

	// Register image sets
	registry := imageset.NewRegistry(imageset.Config{
		Decoder:     decoder,
		Generator:   generator,
		Recalculate: cfg.Features.RecalculateOnStart,
	})
	for _, set := range cfg.ImageSets {
		if err := registry.Register(imageset.Spec{
			Name:         set.Name,
			Segmentation: set.Segmentation,
			Markers:      set.Markers,
		}); err != nil {
			log.Fatalf("Failed to register image set %q: %v", set.Name, err)
		}
		log.Printf("  [%s] segmentation: %s, markers: %d", set.Name, set.Segmentation.Path, len(set.Markers))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Load segmentations in the background; feature runs continue in the pool.
	go func() {
		if err := registry.LoadAll(ctx); err != nil {
			log.Printf("Not every image set loaded: %v", err)
		}
	}()

	renderer := render.NewRenderer(render.Config{
		DefaultColormap: cfg.Render.DefaultColormap,
		MaxWidth:        cfg.Render.MaxThumbnailWidth,
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:        registry,
		Store:           store,
		Generator:       generator,
		Cache:           cacheManager,
		Renderer:        renderer,
		CORSOrigins:     cfg.Server.CORSOrigins,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Cancels running jobs; every pending callback still fires before the store closes.
	pool.Close()

	log.Println("Server stopped")
}
