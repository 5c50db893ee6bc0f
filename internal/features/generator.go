// Package features orchestrates feature generation for an image set: it decides
// which (marker, statistic) pairs are missing from the store, submits a job for
// each and signals once every pair is resolved.
package features

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/metrics"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/segment"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/stats"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/worker"
)

// ErrNoIndex is returned when a request carries no segmentation.
var ErrNoIndex = errors.New("features: image set has no segmentation index")

// Submitter hands jobs to workers.
type Submitter interface {
	Submit(job worker.Job, onComplete func(worker.Result)) string
}

// Store is the subset of the feature store used by the generator.
type Store interface {
	ListFeatures(imageSet string) ([]string, error)
	ReplaceFeatures(imageSet, feature string, values map[int]float64) error
}

// Config contains configuration for the generator.
type Config struct {
	Pool        Submitter
	Store       Store
	Statistics  []stats.Statistic // Default [mean, median]
	IncludeArea bool
	// OnReady is called for every run once it reaches Ready.
	OnReady func(Report)
}

// Request describes one generation run.
type Request struct {
	ImageSet    string
	Markers     map[string]raster.Locator
	Index       *segment.Index
	Statistics  []stats.Statistic // Overrides Config.Statistics when set
	Recalculate bool              // Treat every pair as missing
	OnReady     func(Report)
}

// Generator runs feature generation against a pool and a store.
type Generator struct {
	cfg Config

	mu   sync.Mutex
	runs map[string]*Run // latest run per image set
}

// NewGenerator creates a generator.
func NewGenerator(cfg Config) *Generator {
	if len(cfg.Statistics) == 0 {
		cfg.Statistics = []stats.Statistic{stats.Mean, stats.Median}
	}
	return &Generator{cfg: cfg, runs: make(map[string]*Run)}
}

type pair struct {
	feature string
	job     worker.Job
}

// Generate counts the pairs already stored, submits jobs for the rest and
// returns the run. When nothing is missing the returned run is already Ready.
func (g *Generator) Generate(ctx context.Context, req Request) (*Run, error) {
	if req.Index == nil {
		return nil, ErrNoIndex
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run := newRun(req.ImageSet)
	run.onReady = []func(Report){g.cfg.OnReady, req.OnReady}
	run.setState(Counting)

	pairs := g.pairs(req)
	present := map[string]bool{}
	if !req.Recalculate {
		names, err := g.cfg.Store.ListFeatures(req.ImageSet)
		if err != nil {
			return nil, fmt.Errorf("failed to list features for %s: %w", req.ImageSet, err)
		}
		for _, n := range names {
			present[n] = true
		}
	}

	var missing []pair
	for _, p := range pairs {
		if present[p.feature] {
			continue
		}
		missing = append(missing, p)
	}

	run.mu.Lock()
	run.total = len(pairs)
	run.complete = len(pairs) - len(missing)
	run.cached = run.complete
	run.mu.Unlock()

	g.mu.Lock()
	g.runs[req.ImageSet] = run
	g.mu.Unlock()

	log.Printf("[Generator] run %s for %s: %d features, %d cached, %d to compute",
		run.ID, req.ImageSet, len(pairs), len(pairs)-len(missing), len(missing))

	if len(missing) == 0 {
		run.finish()
		return run, nil
	}

	run.setState(AwaitingJobs)
	for _, p := range missing {
		p := p
		g.cfg.Pool.Submit(p.job, func(res worker.Result) {
			g.complete(run, p.feature, res)
		})
	}
	return run, nil
}

// pairs enumerates every feature the request covers, in a stable order.
func (g *Generator) pairs(req Request) []pair {
	statistics := req.Statistics
	if len(statistics) == 0 {
		statistics = g.cfg.Statistics
	}

	markers := make([]string, 0, len(req.Markers))
	for m := range req.Markers {
		markers = append(markers, m)
	}
	sort.Strings(markers)

	var out []pair
	seen := map[string]bool{}
	add := func(marker string, s stats.Statistic) {
		name := stats.FeatureName(marker, s)
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, pair{
			feature: name,
			job: worker.Job{
				ImageSet:  req.ImageSet,
				Marker:    marker,
				Statistic: s,
				Locator:   req.Markers[marker],
				Index:     req.Index,
			},
		})
	}

	for _, m := range markers {
		for _, s := range statistics {
			if s == stats.Area {
				continue
			}
			add(m, s)
		}
	}
	if g.cfg.IncludeArea || containsArea(statistics) {
		add("", stats.Area)
	}
	return out
}

func containsArea(statistics []stats.Statistic) bool {
	for _, s := range statistics {
		if s == stats.Area {
			return true
		}
	}
	return false
}

// complete persists a job result and resolves its pair.
func (g *Generator) complete(run *Run, feature string, res worker.Result) {
	err := res.Err
	if err == nil {
		if werr := g.cfg.Store.ReplaceFeatures(run.ImageSet, feature, res.Values); werr != nil {
			err = fmt.Errorf("failed to store %s: %w", feature, werr)
		}
	}
	if err != nil {
		log.Printf("[Generator] run %s: %s failed: %v", run.ID, feature, err)
	}
	run.resolve(feature, err)
}

// Latest returns the most recent run for an image set.
func (g *Generator) Latest(imageSet string) (*Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[imageSet]
	return r, ok
}

// Forget drops the run history of an image set.
func (g *Generator) Forget(imageSet string) {
	g.mu.Lock()
	delete(g.runs, imageSet)
	g.mu.Unlock()
}

// State is the lifecycle of a run.
type State int

const (
	Idle State = iota
	Counting
	AwaitingJobs
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Counting:
		return "counting"
	case AwaitingJobs:
		return "awaiting_jobs"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Counting, AwaitingJobs, Ready} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("features: unknown state %q", b)
}

// FeatureError is a pair that could not be computed or stored.
type FeatureError struct {
	Feature string `json:"feature"`
	Message string `json:"message"`
}

// Report summarizes a run.
type Report struct {
	RunID     string         `json:"run_id"`
	ImageSet  string         `json:"image_set"`
	State     State          `json:"state"`
	Total     int            `json:"total"`
	Complete  int            `json:"complete"`
	Cached    int            `json:"cached"`
	Computed  int            `json:"computed"`
	Failed    int            `json:"failed"`
	Errors    []FeatureError `json:"errors,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Run tracks one generation run. Completion is counted, not sequenced, so
// jobs may finish in any order.
type Run struct {
	ID       string
	ImageSet string

	mu        sync.Mutex
	state     State
	total     int
	complete  int
	cached    int
	computed  int
	errs      []FeatureError
	startedAt time.Time
	readyAt   time.Time
	done      chan struct{}
	onReady   []func(Report)
}

func newRun(imageSet string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		ImageSet:  imageSet,
		state:     Idle,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) resolve(feature string, err error) {
	r.mu.Lock()
	if r.state == Ready {
		r.mu.Unlock()
		panic(fmt.Sprintf("features: run %s resolved %s after ready", r.ID, feature))
	}
	r.complete++
	if err != nil {
		r.errs = append(r.errs, FeatureError{Feature: feature, Message: err.Error()})
	} else {
		r.computed++
	}
	last := r.complete == r.total
	r.mu.Unlock()

	if last {
		r.finish()
	}
}

// finish moves the run to Ready and fires the ready callbacks. It runs once,
// when the last pair resolves. Done is closed after the callbacks return.
func (r *Run) finish() {
	r.mu.Lock()
	r.state = Ready
	r.readyAt = time.Now()
	callbacks := r.onReady
	r.onReady = nil
	r.mu.Unlock()

	rep := r.Report()
	switch {
	case rep.Failed > 0:
		metrics.Runs.WithLabelValues(metrics.OutcomeFailed).Inc()
	case rep.Computed == 0:
		metrics.Runs.WithLabelValues(metrics.OutcomeCached).Inc()
	default:
		metrics.Runs.WithLabelValues(metrics.OutcomeComputed).Inc()
	}
	log.Printf("[Generator] run %s for %s ready: %d computed, %d cached, %d failed in %s",
		r.ID, r.ImageSet, rep.Computed, rep.Cached, rep.Failed, rep.Duration)

	for _, cb := range callbacks {
		if cb != nil {
			cb(rep)
		}
	}
	close(r.done)
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the run reaches Ready.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is Ready or ctx ends.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report returns a snapshot of the run.
func (r *Run) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.readyAt
	if end.IsZero() {
		end = time.Now()
	}
	return Report{
		RunID:     r.ID,
		ImageSet:  r.ImageSet,
		State:     r.state,
		Total:     r.total,
		Complete:  r.complete,
		Cached:    r.cached,
		Computed:  r.computed,
		Failed:    len(r.errs),
		Errors:    append([]FeatureError(nil), r.errs...),
		StartedAt: r.startedAt,
		Duration:  end.Sub(r.startedAt),
	}
}
