package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/cache"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/featurestore"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/imageset"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/render"
	"github.com/CANDELbio/mantis-viewer-sub001/pkg/colormap"
)

func centroidsHandler(registry *imageset.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := registry.Get(getImageSet(r).Name)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"segments":  s.Index.NumSegments(),
			"centroids": s.Index.Centroids(),
		})
	}
}

type regionRequest struct {
	PixelIndexes []int  `json:"pixelIndexes"`
	Save         bool   `json:"save"`
	Name         string `json:"name"`
	Color        int    `json:"color"`
}

type regionResponse struct {
	Segments  []int                   `json:"segments"`
	Selection *featurestore.Selection `json:"selection,omitempty"`
}

// regionsHandler resolves a drawn region (flat pixel indexes) to the segments
// it touches and optionally saves them as a selection.
func regionsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := getImageSet(r).Name
		s, err := cfg.Registry.Get(set)
		if err != nil {
			httpError(w, err)
			return
		}

		var req regionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid region body: "+err.Error(), http.StatusBadRequest)
			return
		}

		resp := regionResponse{Segments: s.Index.SegmentsInRegion(req.PixelIndexes)}
		if req.Save {
			name := strings.TrimSpace(req.Name)
			if name == "" {
				name = "Selection"
			}
			sel := featurestore.Selection{
				ID:               uuid.NewString(),
				Name:             name,
				Color:            req.Color,
				Visible:          true,
				PixelIndexes:     req.PixelIndexes,
				SelectedSegments: resp.Segments,
			}
			if err := cfg.Store.UpsertSelections(set, []featurestore.Selection{sel}); err != nil {
				httpError(w, err)
				return
			}
			resp.Selection = &sel
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// overlayHandler renders a segment overlay colored by one stored feature.
// Rendered PNGs are cached until stored features change.
func overlayHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := getImageSet(r).Name
		q := r.URL.Query()

		feature := strings.TrimSpace(q.Get("feature"))
		if feature == "" {
			http.Error(w, "missing required query param: feature", http.StatusBadRequest)
			return
		}
		cmap := q.Get("colormap")
		if cmap == "" {
			cmap = cfg.DefaultColormap
		}
		if _, ok := colormap.Lookup(cmap); !ok {
			http.Error(w, "unknown colormap: "+cmap+" (available: "+strings.Join(colormap.Names(), ", ")+")", http.StatusBadRequest)
			return
		}
		width := 0
		if v := q.Get("width"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid width", http.StatusBadRequest)
				return
			}
			width = n
		}
		centroids := queryBool(r, "centroids")

		s, err := cfg.Registry.Get(set)
		if err != nil {
			httpError(w, err)
			return
		}

		key := cache.OverlayKey(set, feature, cmap, width, centroids)
		if cfg.Cache != nil {
			if data, ok := cfg.Cache.GetOverlay(key); ok {
				writePNG(w, data, "HIT")
				return
			}
		}

		values, err := cfg.Store.SelectValues([]string{set}, feature)
		if err != nil {
			httpError(w, err)
			return
		}
		if len(values[set]) == 0 {
			http.Error(w, "feature not found: "+feature, http.StatusNotFound)
			return
		}

		data, err := cfg.Renderer.RenderOverlay(render.Overlay{
			Index:     s.Index,
			Values:    values[set],
			Colormap:  cmap,
			Width:     width,
			Centroids: centroids,
		})
		if err != nil {
			if errors.Is(err, render.ErrNoSegments) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			httpError(w, err)
			return
		}
		if cfg.Cache != nil {
			if err := cfg.Cache.SetOverlay(key, data); err != nil {
				log.Printf("[API] failed to cache overlay %s (%d bytes): %v", key, len(data), err)
			}
		}
		writePNG(w, data, "MISS")
	}
}

func writePNG(w http.ResponseWriter, data []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Cache", cacheStatus)
	w.Write(data)
}
