// Package worker computes per-segment features on a bounded pool of reusable workers.
package worker

import (
	"context"
	"fmt"
	"math"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/raster"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/segment"
	"github.com/CANDELbio/mantis-viewer-sub001/internal/stats"
)

// Job is one (marker, statistic) computation over every segment of an image set.
type Job struct {
	ID        string
	ImageSet  string
	Marker    string
	Statistic stats.Statistic
	Locator   raster.Locator
	// Index is shared between jobs and never mutated.
	Index *segment.Index
}

// Feature returns the stored feature name for the job.
func (j Job) Feature() string {
	return stats.FeatureName(j.Marker, j.Statistic)
}

// Executor runs a single job to completion.
type Executor interface {
	Execute(ctx context.Context, job Job) (map[int]float64, error)
}

// Calculator is the default Executor: it decodes the marker raster and reduces
// the intensities of each segment.
type Calculator struct {
	Decoder raster.Decoder
}

// NewCalculator creates a calculator backed by the given decoder.
func NewCalculator(dec raster.Decoder) *Calculator {
	return &Calculator{Decoder: dec}
}

// Execute implements Executor. NaN intensities are ignored; a segment whose
// pixels are all NaN has no value in the result.
func (c *Calculator) Execute(ctx context.Context, job Job) (map[int]float64, error) {
	if job.Index == nil {
		return nil, fmt.Errorf("job %s has no segment index", job.ID)
	}
	if !job.Statistic.NeedsIntensity() {
		return job.Index.Areas(), nil
	}

	r, err := c.Decoder.Decode(ctx, job.Locator)
	if err != nil {
		return nil, fmt.Errorf("failed to decode marker %s: %w", job.Marker, err)
	}
	if r.Width != job.Index.Width() || r.Height != job.Index.Height() {
		return nil, fmt.Errorf("%w: marker %s is %dx%d, segmentation is %dx%d",
			segment.ErrDimensionMismatch, job.Marker, r.Width, r.Height, job.Index.Width(), job.Index.Height())
	}

	ids := job.Index.SegmentIDs()
	out := make(map[int]float64, len(ids))
	var samples []float64
	for i, id := range ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		pixels := job.Index.Pixels(id)
		samples = samples[:0]
		for _, p := range pixels {
			if v := float64(r.Data[p]); !math.IsNaN(v) {
				samples = append(samples, v)
			}
		}
		if len(samples) == 0 {
			continue
		}
		v, err := stats.Reduce(job.Statistic, samples)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}
