package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/features"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/featurestore"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/imageset"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/importer"
)

type imageSetStatus struct {
	Name        string           `json:"name"`
	Loaded      bool             `json:"loaded"`
	HasFeatures bool             `json:"has_features"`
	Markers     []string         `json:"markers"`
	Width       int              `json:"width,omitempty"`
	Height      int              `json:"height,omitempty"`
	Segments    int              `json:"segments,omitempty"`
	LoadedAt    *time.Time       `json:"loaded_at,omitempty"`
	Run         *features.Report `json:"run,omitempty"`
}

func statusOf(cfg RouterConfig, spec imageset.Spec) imageSetStatus {
	st := imageSetStatus{Name: spec.Name, Markers: make([]string, 0, len(spec.Markers))}
	for m := range spec.Markers {
		st.Markers = append(st.Markers, m)
	}
	sort.Strings(st.Markers)

	if s, err := cfg.Registry.Get(spec.Name); err == nil {
		st.Loaded = true
		st.Width = s.Index.Width()
		st.Height = s.Index.Height()
		st.Segments = s.Index.NumSegments()
		loadedAt := s.LoadedAt
		st.LoadedAt = &loadedAt
	}
	if present, err := cfg.Store.FeaturesPresent(spec.Name); err == nil {
		st.HasFeatures = present
	}
	if cfg.Generator != nil {
		if run, ok := cfg.Generator.Latest(spec.Name); ok {
			report := run.Report()
			st.Run = &report
		}
	}
	return st
}

// imageSetsHandler lists every configured image set in configuration order.
func imageSetsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := cfg.Registry.Names()
		sets := make([]imageSetStatus, 0, len(names))
		for _, name := range names {
			spec, err := cfg.Registry.Spec(name)
			if err != nil {
				continue
			}
			sets = append(sets, statusOf(cfg, spec))
		}
		response := map[string]interface{}{"image_sets": sets}
		if len(names) > 0 {
			response["default"] = names[0]
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func imageSetStatusHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusOf(cfg, getImageSet(r)))
	}
}

// runResponse writes a run report. With ?wait=true the handler blocks until
// the run is ready or the client goes away.
func runResponse(w http.ResponseWriter, r *http.Request, run *features.Run) {
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if queryBool(r, "wait") {
		if err := run.Wait(r.Context()); err != nil {
			httpError(w, err)
			return
		}
	}
	status := http.StatusAccepted
	if run.State() == features.Ready {
		status = http.StatusOK
	}
	writeJSON(w, status, run.Report())
}

// loadHandler loads the segmentation of an image set and starts feature
// generation. ?reload=true treats the segmentation as changed.
func loadHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := getImageSet(r).Name
		var (
			run *features.Run
			err error
		)
		if queryBool(r, "reload") {
			_, run, err = cfg.Registry.Reload(r.Context(), name)
		} else {
			_, run, err = cfg.Registry.Load(r.Context(), name)
		}
		if err != nil {
			httpError(w, err)
			return
		}
		if run == nil {
			writeJSON(w, http.StatusOK, statusOf(cfg, getImageSet(r)))
			return
		}
		runResponse(w, r, run)
	}
}

func unloadHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := getImageSet(r).Name
		if err := cfg.Registry.Unload(name); err != nil {
			httpError(w, err)
			return
		}
		if cfg.Generator != nil {
			cfg.Generator.Forget(name)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// generateHandler starts a generation run; ?recalculate=true recomputes
// features that are already stored.
func generateHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := cfg.Registry.GenerateFeatures(r.Context(), getImageSet(r).Name, queryBool(r, "recalculate"))
		if err != nil {
			httpError(w, err)
			return
		}
		runResponse(w, r, run)
	}
}

func listFeaturesHandler(store *featurestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := getImageSet(r).Name
		names, err := store.ListFeatures(set)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"image_set": set,
			"features":  names,
		})
	}
}

func featureValuesHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feature := urlParam(r, "feature")
		values, err := cfg.Store.SelectValues(querySets(r, cfg.Registry), feature)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"feature": feature,
			"values":  values,
		})
	}
}

func featureMinMaxHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feature := urlParam(r, "feature")
		ranges, err := cfg.Store.MinMaxValues(querySets(r, cfg.Registry), feature)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"feature": feature,
			"minmax":  ranges,
		})
	}
}

func deleteFeatureHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Store.DeleteFeatures(getImageSet(r).Name, urlParam(r, "feature")); err != nil {
			httpError(w, err)
			return
		}
		invalidateOverlays(cfg.Cache)
		w.WriteHeader(http.StatusNoContent)
	}
}

// maxImportBytes bounds CSV uploads.
const maxImportBytes = 256 << 20

// importHandler stores features from a CSV body. Under an image set every row
// belongs to that set; the global route reads the set from the first column.
// ?clear_duplicates=true replaces stored values of imported features.
func importHandler(cfg RouterConfig, scoped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := importer.Options{
			ValidImageSets:  cfg.Registry.Names(),
			ClearDuplicates: queryBool(r, "clear_duplicates"),
		}
		if scoped {
			opts.ImageSet = getImageSet(r).Name
		}

		res, err := importer.Import(cfg.Store, http.MaxBytesReader(w, r.Body, maxImportBytes), opts)
		if res != nil && len(res.ImportedFeatures) > 0 {
			invalidateOverlays(cfg.Cache)
		}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, importer.ErrNoValidImageSets):
			httpError(w, err)
		case res == nil:
			http.Error(w, "invalid csv: "+err.Error(), http.StatusBadRequest)
		default:
			httpError(w, err)
		}
	}
}
