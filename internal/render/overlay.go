// Package render draws segment overlays colored by feature values using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/segment"
	"github.com/CANDELbio/mantis-viewer-sub001/pkg/colormap"
)

// ErrNoSegments is returned when there is nothing to draw.
var ErrNoSegments = errors.New("render: no segments")

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
	MaxWidth        int
}

// Overlay describes one rendered image.
type Overlay struct {
	Index     *segment.Index
	Values    map[int]float64 // segment id -> feature value
	Min, Max  float64         // color range; equal values use the data range
	Colormap  string
	Width     int // output width, 0 = native
	Centroids bool
}

// CentroidColor marks segment centroids.
var CentroidColor = color.RGBA{255, 255, 255, 255}

// Renderer renders segment overlays.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// RenderOverlay paints every segment with the colormap color of its value and
// returns a PNG. Background and segments without a value stay transparent.
func (r *Renderer) RenderOverlay(o Overlay) ([]byte, error) {
	if o.Index == nil || o.Index.NumSegments() == 0 {
		return nil, ErrNoSegments
	}

	cmap, ok := colormap.Lookup(o.Colormap)
	if !ok {
		cmap, ok = colormap.Lookup(r.config.DefaultColormap)
		if !ok {
			return nil, fmt.Errorf("render: unknown colormap %q", r.config.DefaultColormap)
		}
	}

	lo, hi := o.Min, o.Max
	if lo == hi {
		lo, hi = valueRange(o.Values)
	}

	w, h := o.Index.Width(), o.Index.Height()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for _, id := range o.Index.SegmentIDs() {
		v, ok := o.Values[id]
		if !ok || math.IsNaN(v) {
			continue
		}
		c := color.NRGBAModel.Convert(cmap.At(colormap.Normalize(v, lo, hi))).(color.NRGBA)
		for _, p := range o.Index.Pixels(id) {
			off := p * 4
			img.Pix[off] = c.R
			img.Pix[off+1] = c.G
			img.Pix[off+2] = c.B
			img.Pix[off+3] = c.A
		}
	}

	var out image.Image = img
	if o.Centroids {
		dc := gg.NewContextForImage(img)
		dc.SetColor(CentroidColor)
		radius := math.Max(1, float64(w)/256)
		for _, id := range o.Index.SegmentIDs() {
			pt, _ := o.Index.Centroid(id)
			dc.DrawCircle(float64(pt.X)+0.5, float64(pt.Y)+0.5, radius)
			dc.Fill()
		}
		out = dc.Image()
	}

	if width := r.targetWidth(o.Width, w); width != w {
		out = imaging.Resize(out, width, 0, imaging.NearestNeighbor)
	}
	return r.encode(out)
}

func (r *Renderer) targetWidth(requested, native int) int {
	width := native
	if requested > 0 && requested < native {
		width = requested
	}
	if r.config.MaxWidth > 0 && width > r.config.MaxWidth {
		width = r.config.MaxWidth
	}
	return width
}

func valueRange(values map[int]float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
