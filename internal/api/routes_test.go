package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/cache"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/features"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/featurestore"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/imageset"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/metrics"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/render"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/worker"
)

// Rasters are 4x2. Segment 1 covers pixels 0, 1, 4 and segment 2 covers 3, 6, 7.
var testRasters = map[string]*raster.Raster{
	"seg.tif": {Data: []float32{1, 1, 0, 2, 1, 0, 2, 2}, Width: 4, Height: 2},
	"cd8.tif": {Data: []float32{1, 3, 0, 10, 5, 0, 20, 30}, Width: 4, Height: 2},
}

type mapDecoder struct {
	mu    sync.Mutex
	calls int
}

func (d *mapDecoder) Decode(ctx context.Context, loc raster.Locator) (*raster.Raster, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	r, ok := testRasters[loc.Path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return r, nil
}

// testServer holds the router and its dependencies
type testServer struct {
	router   http.Handler
	store    *featurestore.Store
	registry *imageset.Registry
	cache    *cache.Manager
	decoder  *mapDecoder
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := featurestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: 16,
		OverlayTTL:         time.Minute,
		RasterEntries:      8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cacheManager.Close() })

	dec := &mapDecoder{}
	cached := cache.NewDecoder(dec, cacheManager)

	pool := worker.NewPool(worker.Config{MaxWorkers: 2, Executor: worker.NewCalculator(cached)})
	t.Cleanup(pool.Close)

	gen := features.NewGenerator(features.Config{
		Pool:        pool,
		Store:       store,
		IncludeArea: true,
		OnReady: func(features.Report) {
			cacheManager.InvalidateOverlays()
		},
	})

	registry := imageset.NewRegistry(imageset.Config{Decoder: cached, Generator: gen})
	for _, name := range []string{"a", "b"} {
		require.NoError(t, registry.Register(imageset.Spec{
			Name:         name,
			Segmentation: raster.Locator{Path: "seg.tif"},
			Markers:      map[string]raster.Locator{"CD8": {Path: "cd8.tif"}},
		}))
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	router := NewRouter(RouterConfig{
		Registry:    registry,
		Store:       store,
		Generator:   gen,
		Cache:       cacheManager,
		Renderer:    render.NewRenderer(render.Config{}),
		CORSOrigins: []string{"http://localhost:3000"},
		Gatherer:    reg,
	})
	return &testServer{router: router, store: store, registry: registry, cache: cacheManager, decoder: dec}
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (ts *testServer) load(t *testing.T, set string) features.Report {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/imagesets/"+set+"/load?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report features.Report
	decodeJSON(t, rec, &report)
	return report
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	ts.load(t, "a")
	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mantis_feature_jobs_submitted_total")
	assert.Contains(t, rec.Body.String(), "mantis_feature_runs_total")
}

func TestLoadGeneratesFeatures(t *testing.T) {
	ts := setupTestServer(t)

	report := ts.load(t, "a")
	assert.Equal(t, features.Ready, report.State)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Computed)
	assert.Equal(t, 0, report.Failed)

	rec := ts.do(t, http.MethodGet, "/api/imagesets/a/features", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		ImageSet string   `json:"image_set"`
		Features []string `json:"features"`
	}
	decodeJSON(t, rec, &list)
	assert.Equal(t, []string{"CD8 Mean", "CD8 Median", "Segment Area"}, list.Features)

	rec = ts.do(t, http.MethodGet, "/api/features/CD8%20Mean/values?sets=a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var values struct {
		Feature string                     `json:"feature"`
		Values  map[string]map[int]float64 `json:"values"`
	}
	decodeJSON(t, rec, &values)
	assert.Equal(t, "CD8 Mean", values.Feature)
	assert.Equal(t, map[int]float64{1: 3, 2: 20}, values.Values["a"])

	rec = ts.do(t, http.MethodGet, "/api/features/Segment%20Area/minmax?sets=a,b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ranges struct {
		MinMax map[string]featurestore.MinMax `json:"minmax"`
	}
	decodeJSON(t, rec, &ranges)
	assert.Equal(t, featurestore.MinMax{Min: 3, Max: 3}, ranges.MinMax["a"])
	assert.NotContains(t, ranges.MinMax, "b")

	// Everything is stored now, so a second run is served from the store.
	rec = ts.do(t, http.MethodPost, "/api/imagesets/a/features/generate?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &report)
	assert.Equal(t, 3, report.Cached)
	assert.Equal(t, 0, report.Computed)

	rec = ts.do(t, http.MethodPost, "/api/imagesets/a/features/generate?wait=true&recalculate=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &report)
	assert.Equal(t, 3, report.Computed)
}

func TestImageSetStatus(t *testing.T) {
	ts := setupTestServer(t)
	ts.load(t, "a")

	rec := ts.do(t, http.MethodGet, "/api/imagesets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Default   string           `json:"default"`
		ImageSets []imageSetStatus `json:"image_sets"`
	}
	decodeJSON(t, rec, &list)
	assert.Equal(t, "a", list.Default)
	require.Len(t, list.ImageSets, 2)
	assert.True(t, list.ImageSets[0].Loaded)
	assert.True(t, list.ImageSets[0].HasFeatures)
	assert.Equal(t, 2, list.ImageSets[0].Segments)
	require.NotNil(t, list.ImageSets[0].Run)
	assert.Equal(t, features.Ready, list.ImageSets[0].Run.State)
	assert.False(t, list.ImageSets[1].Loaded)
	assert.False(t, list.ImageSets[1].HasFeatures)

	// Loading again keeps the session.
	rec = ts.do(t, http.MethodPost, "/api/imagesets/a/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st imageSetStatus
	decodeJSON(t, rec, &st)
	assert.True(t, st.Loaded)
	assert.Equal(t, []string{"CD8"}, st.Markers)

	rec = ts.do(t, http.MethodDelete, "/api/imagesets/a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/imagesets/a", "")
	var unloaded imageSetStatus
	decodeJSON(t, rec, &unloaded)
	assert.False(t, unloaded.Loaded)
	assert.Nil(t, unloaded.Run)
}

func TestReloadRecalculates(t *testing.T) {
	ts := setupTestServer(t)
	ts.load(t, "a")
	ts.decoder.mu.Lock()
	before := ts.decoder.calls
	ts.decoder.mu.Unlock()

	rec := ts.do(t, http.MethodPost, "/api/imagesets/a/load?reload=true&wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report features.Report
	decodeJSON(t, rec, &report)
	assert.Equal(t, 3, report.Computed)
	assert.Equal(t, 0, report.Cached)

	// Reload drops cached rasters, so the segmentation and marker are read again.
	ts.decoder.mu.Lock()
	defer ts.decoder.mu.Unlock()
	assert.GreaterOrEqual(t, ts.decoder.calls, before+2)
}

func TestErrorStatuses(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknownSet", http.MethodGet, "/api/imagesets/zzz", http.StatusNotFound},
		{"notLoadedCentroids", http.MethodGet, "/api/imagesets/b/centroids", http.StatusConflict},
		{"notLoadedGenerate", http.MethodPost, "/api/imagesets/b/features/generate", http.StatusConflict},
		{"unloadNotLoaded", http.MethodDelete, "/api/imagesets/b", http.StatusConflict},
		{"overlayNoFeature", http.MethodGet, "/api/imagesets/a/overlay.png", http.StatusBadRequest},
		{"overlayBadColormap", http.MethodGet, "/api/imagesets/a/overlay.png?feature=x&colormap=nope", http.StatusBadRequest},
		{"overlayBadWidth", http.MethodGet, "/api/imagesets/a/overlay.png?feature=x&width=-1", http.StatusBadRequest},
		{"missingSelection", http.MethodDelete, "/api/imagesets/a/selections/none", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestOverlay(t *testing.T) {
	ts := setupTestServer(t)
	ts.load(t, "a")

	path := "/api/imagesets/a/overlay.png?feature=CD8%20Median&width=2&centroids=true"
	rec := ts.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	first := rec.Body.Bytes()
	assert.True(t, bytes.HasPrefix(first, []byte("\x89PNG")))

	rec = ts.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, first, rec.Body.Bytes())

	// Deleting the feature drops cached overlays.
	rec = ts.do(t, http.MethodDelete, "/api/imagesets/a/features/CD8%20Median", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegionsAndSelections(t *testing.T) {
	ts := setupTestServer(t)
	ts.load(t, "a")

	rec := ts.do(t, http.MethodGet, "/api/imagesets/a/centroids", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var centroids struct {
		Segments int `json:"segments"`
	}
	decodeJSON(t, rec, &centroids)
	assert.Equal(t, 2, centroids.Segments)

	rec = ts.do(t, http.MethodPost, "/api/imagesets/a/regions", `{"pixelIndexes":[2,3,0],"save":true,"name":"both"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var region regionResponse
	decodeJSON(t, rec, &region)
	assert.Equal(t, []int{1, 2}, region.Segments)
	require.NotNil(t, region.Selection)
	assert.Equal(t, "both", region.Selection.Name)

	rec = ts.do(t, http.MethodPut, "/api/imagesets/a/selections",
		`[{"id":"manual","name":"m","visible":true,"selectedSegments":[2]}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var selections []featurestore.Selection
	decodeJSON(t, rec, &selections)
	require.Len(t, selections, 2)
	assert.Equal(t, region.Selection.ID, selections[0].ID)
	assert.Equal(t, "manual", selections[1].ID)

	rec = ts.do(t, http.MethodPut, "/api/imagesets/a/selections", `[{"name":"no id"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/imagesets/a/selections/manual", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/imagesets/b/selections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &selections)
	assert.Empty(t, selections)
}

func TestSettings(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/settings", `{"colormap":"magma","brightness":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/settings", `{"colormap":"viridis"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/settings", "")
	var settings map[string]interface{}
	decodeJSON(t, rec, &settings)
	assert.Equal(t, map[string]interface{}{"colormap": "viridis", "brightness": float64(2)}, settings)

	rec = ts.do(t, http.MethodPut, "/api/settings", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImport(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/imagesets/b/features/import", "marker,segment_id,Intensity\nCD8,1,4\nCD8,2,8\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		ImportedFeatures []string `json:"imported_features"`
	}
	decodeJSON(t, rec, &res)
	assert.Equal(t, []string{"b/CD8 Intensity"}, res.ImportedFeatures)

	values, err := ts.store.SelectValues([]string{"b"}, "CD8 Intensity")
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{1: 4, 2: 8}, values["b"])

	rec = ts.do(t, http.MethodPost, "/api/features/import", "image_set,marker,segment_id,X\nother,CD8,1,1\n")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/features/import", "image_set,marker,segment_id,X\na,CD8,one,1\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	decodeJSON(t, rec, &stats)
	// One row per imported segment value.
	assert.Equal(t, float64(2), stats["stored_features"])
}
