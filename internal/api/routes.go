// Package api provides HTTP handlers for the segmentation feature server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/cache"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/features"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/featurestore"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/imageset"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/importer"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/render"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry        *imageset.Registry
	Store           *featurestore.Store
	Generator       *features.Generator
	Cache           *cache.Manager
	Renderer        *render.Renderer
	CORSOrigins     []string
	DefaultColormap string
	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
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

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", statsHandler(cfg))
		r.Get("/settings", getSettingsHandler(cfg.Store))
		r.Put("/settings", putSettingsHandler(cfg.Store))

		// Cross image set feature queries
		r.Get("/features/{feature}/values", featureValuesHandler(cfg))
		r.Get("/features/{feature}/minmax", featureMinMaxHandler(cfg))
		r.Post("/features/import", importHandler(cfg, false))

		r.Get("/imagesets", imageSetsHandler(cfg))
		r.Route("/imagesets/{set}", func(r chi.Router) {
			r.Use(imageSetMiddleware(cfg.Registry))

			r.Get("/", imageSetStatusHandler(cfg))
			r.Post("/load", loadHandler(cfg))
			r.Delete("/", unloadHandler(cfg))

			r.Get("/features", listFeaturesHandler(cfg.Store))
			r.Post("/features/generate", generateHandler(cfg))
			r.Post("/features/import", importHandler(cfg, true))
			r.Delete("/features/{feature}", deleteFeatureHandler(cfg))

			r.Get("/centroids", centroidsHandler(cfg.Registry))
			r.Post("/regions", regionsHandler(cfg))
			r.Get("/overlay.png", overlayHandler(cfg))

			r.Get("/selections", getSelectionsHandler(cfg.Store))
			r.Put("/selections", putSelectionsHandler(cfg.Store))
			r.Delete("/selections/{id}", deleteSelectionHandler(cfg.Store))
		})
	})

	return r
}

// Context key for the resolved image set
type ctxKey string

const imageSetKey ctxKey = "imageSet"

// imageSetMiddleware rejects unknown image sets and injects the imageset.Spec into context.
func imageSetMiddleware(registry *imageset.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			spec, err := registry.Spec(urlParam(r, "set"))
			if err != nil {
				httpError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), imageSetKey, spec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getImageSet(r *http.Request) imageset.Spec {
	spec, _ := r.Context().Value(imageSetKey).(imageset.Spec)
	return spec
}

// urlParam returns a path parameter with any remaining escapes decoded.
// Feature names contain spaces and may contain slashes.
func urlParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// querySets parses ?sets=a,b; empty means every registered image set.
func querySets(r *http.Request, registry *imageset.Registry) []string {
	raw := strings.TrimSpace(r.URL.Query().Get("sets"))
	if raw == "" {
		return registry.Names()
	}
	var sets []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sets = append(sets, s)
		}
	}
	return sets
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, imageset.ErrUnknownImageSet), errors.Is(err, featurestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, imageset.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, features.ErrNoIndex), errors.Is(err, importer.ErrNoValidImageSets):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// invalidateOverlays drops rendered overlays after stored features change.
func invalidateOverlays(c *cache.Manager) {
	if c == nil {
		return
	}
	if err := c.InvalidateOverlays(); err != nil {
		log.Printf("[API] failed to invalidate overlay cache: %v", err)
	}
}

// statsHandler returns store and cache counters.
func statsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := cfg.Store.NumFeatures()
		if err != nil {
			httpError(w, err)
			return
		}
		response := map[string]interface{}{
			"image_sets":      len(cfg.Registry.Names()),
			"stored_features": n,
			"database":        cfg.Store.Path(),
		}
		if cfg.Cache != nil {
			response["cache"] = cfg.Cache.Stats()
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func getSettingsHandler(store *featurestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := store.GetSettings()
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	}
}

// putSettingsHandler merges the posted keys into the stored settings and
// returns the merged object.
func putSettingsHandler(store *featurestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var partial map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
			http.Error(w, "invalid settings body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := store.UpsertSettings(partial); err != nil {
			httpError(w, err)
			return
		}
		settings, err := store.GetSettings()
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	}
}

func getSelectionsHandler(store *featurestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		selections, err := store.GetSelections(getImageSet(r).Name)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, selections)
	}
}

func putSelectionsHandler(store *featurestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := getImageSet(r).Name
		var selections []featurestore.Selection
		if err := json.NewDecoder(r.Body).Decode(&selections); err != nil {
			http.Error(w, "invalid selections body: "+err.Error(), http.StatusBadRequest)
			return
		}
		for _, sel := range selections {
			if sel.ID == "" {
				http.Error(w, "selection id is required", http.StatusBadRequest)
				return
			}
		}
		if err := store.UpsertSelections(set, selections); err != nil {
			httpError(w, err)
			return
		}
		stored, err := store.GetSelections(set)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

func deleteSelectionHandler(store *featurestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.DeleteSelection(getImageSet(r).Name, urlParam(r, "id")); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
