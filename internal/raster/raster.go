// Package raster decodes label and marker channel rasters from disk.
package raster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnsupportedFormat is returned for files no decoder understands.
	ErrUnsupportedFormat = errors.New("raster: unsupported format")
	// ErrIndexOutOfRange is returned when the requested image index does not exist in the file.
	ErrIndexOutOfRange = errors.New("raster: image index out of range")
	// ErrInvalidLabel is returned when a raster cannot be interpreted as segment labels.
	ErrInvalidLabel = errors.New("raster: invalid label value")
)

// Locator addresses one image inside a raster file.
type Locator struct {
	Path  string `yaml:"path" json:"path"`
	Index int    `yaml:"index" json:"index"`
}

// Key returns a stable cache key for the locator.
func (l Locator) Key() string {
	return fmt.Sprintf("%s#%d", filepath.Clean(l.Path), l.Index)
}

// maxExactFloat32 is the largest integer below which every integer is representable in a float32.
const maxExactFloat32 = 1 << 24

// Raster is a decoded single-channel image in row-major order.
type Raster struct {
	Data   []float32
	Width  int
	Height int
	// Ints holds the exact pixel values of 32-bit integer rasters, whose
	// values above 2^24 Data can only approximate. Nil for other types.
	Ints []int64
}

// Labels converts the raster to segment labels. Values must be non-negative integers.
// Float rasters are limited to labels up to 2^24.
func (r *Raster) Labels() ([]uint32, error) {
	if r.Ints != nil {
		out := make([]uint32, len(r.Ints))
		for i, v := range r.Ints {
			if v < 0 || v > math.MaxUint32 {
				return nil, fmt.Errorf("%w: %d at pixel %d", ErrInvalidLabel, v, i)
			}
			out[i] = uint32(v)
		}
		return out, nil
	}

	out := make([]uint32, len(r.Data))
	for i, v := range r.Data {
		if v < 0 || v != float32(math.Trunc(float64(v))) || v > maxExactFloat32 {
			return nil, fmt.Errorf("%w: %v at pixel %d", ErrInvalidLabel, v, i)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

// Decoder reads a raster addressed by a locator.
type Decoder interface {
	Decode(ctx context.Context, loc Locator) (*Raster, error)
}

// FileDecoder decodes TIFF, PNG and zstd-compressed Zarr v3 arrays from the local filesystem.
type FileDecoder struct {
	zstd *zstd.Decoder
}

// NewFileDecoder creates a file decoder.
func NewFileDecoder() (*FileDecoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &FileDecoder{zstd: dec}, nil
}

// Close releases decoder resources.
func (d *FileDecoder) Close() {
	d.zstd.Close()
}

// Decode implements Decoder.
func (d *FileDecoder) Decode(ctx context.Context, loc Locator) (*Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loc.Index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, loc.Index)
	}

	info, err := os.Stat(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat raster %s: %w", loc.Path, err)
	}
	if info.IsDir() {
		return d.decodeZarr(loc.Path, loc.Index)
	}

	switch strings.ToLower(filepath.Ext(loc.Path)) {
	case ".tif", ".tiff", ".png":
		return decodeImageFile(loc.Path, loc.Index)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, loc.Path)
	}
}
