// Package imageset owns image set lifecycles: it loads segmentations, keeps the
// segment index of each loaded set and triggers feature generation when a
// segmentation is loaded or changes.
package imageset

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/features"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/segment"
)

var (
	// ErrUnknownImageSet is returned for names that were never registered.
	ErrUnknownImageSet = errors.New("imageset: unknown image set")
	// ErrNotLoaded is returned when a registered image set has no loaded segmentation.
	ErrNotLoaded = errors.New("imageset: image set not loaded")
)

// Spec describes where an image set's rasters live.
type Spec struct {
	Name         string                    `json:"name"`
	Segmentation raster.Locator            `json:"segmentation"`
	Markers      map[string]raster.Locator `json:"markers"`
}

// Session is a loaded image set. It is replaced, never mutated, on reload.
type Session struct {
	Spec     Spec
	Index    *segment.Index
	LoadedAt time.Time
}

// Generator starts feature generation runs.
type Generator interface {
	Generate(ctx context.Context, req features.Request) (*features.Run, error)
}

// forgetter is implemented by decoders that cache rasters.
type forgetter interface {
	Forget(loc raster.Locator)
}

// Config contains configuration for the registry.
type Config struct {
	Decoder     raster.Decoder
	Generator   Generator
	Recalculate bool // Recalculate every feature on Load
	MaxParallel int  // LoadAll concurrency (default 2)
}

// Registry holds every configured image set and the sessions of loaded ones.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	specs    map[string]Spec
	order    []string
	sessions map[string]*Session

	loads singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	return &Registry{
		cfg:      cfg,
		specs:    make(map[string]Spec),
		sessions: make(map[string]*Session),
	}
}

// Register adds an image set. Names must be unique.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return errors.New("imageset: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("imageset: %s already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Names returns the registered image sets in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Spec returns the registered spec of an image set.
func (r *Registry) Spec(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownImageSet, name)
	}
	return spec, nil
}

// Get returns the loaded session of an image set.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.specs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImageSet, name)
	}
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return s, nil
}

type loadResult struct {
	session *Session
	run     *features.Run
}

// Load decodes the segmentation, builds its index and starts feature generation.
// Loading an already loaded image set returns the existing session and no run.
// Concurrent loads of one image set share a single decode and run, bound to
// the context of the first caller.
func (r *Registry) Load(ctx context.Context, name string) (*Session, *features.Run, error) {
	if s, err := r.Get(name); err == nil {
		return s, nil, nil
	} else if !errors.Is(err, ErrNotLoaded) {
		return nil, nil, err
	}

	v, err, _ := r.loads.Do(name, func() (interface{}, error) {
		if s, err := r.Get(name); err == nil {
			return loadResult{session: s}, nil
		}
		s, run, err := r.load(ctx, name, r.cfg.Recalculate)
		return loadResult{session: s, run: run}, err
	})
	res, _ := v.(loadResult)
	return res.session, res.run, err
}

// Reload signals that the segmentation of an image set changed: the label
// raster is decoded again, the index rebuilt and every feature recalculated.
func (r *Registry) Reload(ctx context.Context, name string) (*Session, *features.Run, error) {
	spec, err := r.Spec(name)
	if err != nil {
		return nil, nil, err
	}
	if f, ok := r.cfg.Decoder.(forgetter); ok {
		f.Forget(spec.Segmentation)
		for _, loc := range spec.Markers {
			f.Forget(loc)
		}
	}
	return r.load(ctx, name, true)
}

func (r *Registry) load(ctx context.Context, name string, recalculate bool) (*Session, *features.Run, error) {
	spec, err := r.Spec(name)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	labelRaster, err := r.cfg.Decoder.Decode(ctx, spec.Segmentation)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode segmentation for %s: %w", name, err)
	}
	labels, err := labelRaster.Labels()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read labels for %s: %w", name, err)
	}
	idx, err := segment.Build(labels, labelRaster.Width, labelRaster.Height)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to index segmentation for %s: %w", name, err)
	}

	session := &Session{Spec: spec, Index: idx, LoadedAt: time.Now()}
	r.mu.Lock()
	r.sessions[name] = session
	r.mu.Unlock()
	log.Printf("[ImageSet] loaded %s: %dx%d, %d segments in %s",
		name, idx.Width(), idx.Height(), idx.NumSegments(), time.Since(start))

	run, err := r.generate(ctx, session, recalculate)
	if err != nil {
		return session, nil, err
	}
	return session, run, nil
}

// GenerateFeatures starts a feature generation run for a loaded image set.
func (r *Registry) GenerateFeatures(ctx context.Context, name string, recalculate bool) (*features.Run, error) {
	s, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return r.generate(ctx, s, recalculate)
}

func (r *Registry) generate(ctx context.Context, s *Session, recalculate bool) (*features.Run, error) {
	if r.cfg.Generator == nil {
		return nil, nil
	}
	run, err := r.cfg.Generator.Generate(ctx, features.Request{
		ImageSet:    s.Spec.Name,
		Markers:     s.Spec.Markers,
		Index:       s.Index,
		Recalculate: recalculate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start feature generation for %s: %w", s.Spec.Name, err)
	}
	return run, nil
}

// LoadAll loads every registered image set concurrently. The first failure
// cancels loads still in progress; sets that already loaded stay loaded.
func (r *Registry) LoadAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for _, name := range r.Names() {
		name := name
		g.Go(func() error {
			if _, _, err := r.Load(gctx, name); err != nil {
				log.Printf("[ImageSet] failed to load %s: %v", name, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Unload drops the session of an image set. The registration is kept.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownImageSet, name)
	}
	if _, ok := r.sessions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	delete(r.sessions, name)
	log.Printf("[ImageSet] unloaded %s", name)
	return nil
}
