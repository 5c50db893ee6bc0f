// Package segment builds segment-indexed geometric structures from a labeled segmentation raster.
//
// A label raster holds one segment id per pixel in row-major order, 0 meaning background.
// The Index built from it is immutable and safe for concurrent readers.
package segment

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrDimensionMismatch is returned when a label raster does not hold exactly width*height pixels.
var ErrDimensionMismatch = errors.New("segment: label raster size does not match width*height")

// Point is an integer pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Index maps pixels to segments and segments to pixels for one label raster.
type Index struct {
	width  int
	height int

	// pixel key -> segment id (0 = background), dense over the whole image
	pixelToSegment []uint32
	// segment id -> flat pixel indexes, ascending
	segmentToPixels map[int][]int
	centroids       map[int]Point
	ids             []int
}

// PixelKey packs (x, y) into a single key for an image of the given width.
// The key equals the row-major flat pixel index.
func PixelKey(x, y, width int) int {
	return y*width + x
}

// UnpackPixelKey reverses PixelKey.
func UnpackPixelKey(key, width int) (x, y int) {
	return key % width, key / width
}

// Build scans labels once and returns the segment index.
func Build(labels []uint32, width, height int) (*Index, error) {
	if width <= 0 || height <= 0 || len(labels) != width*height {
		return nil, fmt.Errorf("%w: len=%d width=%d height=%d", ErrDimensionMismatch, len(labels), width, height)
	}

	idx := &Index{
		width:           width,
		height:          height,
		pixelToSegment:  make([]uint32, len(labels)),
		segmentToPixels: make(map[int][]int),
	}

	for i, v := range labels {
		if v == 0 {
			continue
		}
		x, y := i%width, i/width
		id := int(v)
		idx.segmentToPixels[id] = append(idx.segmentToPixels[id], i)
		idx.pixelToSegment[PixelKey(x, y, width)] = v
	}

	idx.ids = make([]int, 0, len(idx.segmentToPixels))
	idx.centroids = make(map[int]Point, len(idx.segmentToPixels))
	for id, pixels := range idx.segmentToPixels {
		idx.ids = append(idx.ids, id)
		idx.centroids[id] = centroid(pixels, width)
	}
	sort.Ints(idx.ids)

	return idx, nil
}

func centroid(pixels []int, width int) Point {
	var xSum, ySum float64
	for _, p := range pixels {
		x, y := UnpackPixelKey(p, width)
		xSum += float64(x)
		ySum += float64(y)
	}
	n := float64(len(pixels))
	return Point{X: int(math.Round(xSum / n)), Y: int(math.Round(ySum / n))}
}

// Width returns the raster width in pixels.
func (idx *Index) Width() int { return idx.width }

// Height returns the raster height in pixels.
func (idx *Index) Height() int { return idx.height }

// NumSegments returns the number of distinct non-zero segment ids.
func (idx *Index) NumSegments() int { return len(idx.ids) }

// SegmentIDs returns all segment ids in ascending order. The slice must not be modified.
func (idx *Index) SegmentIDs() []int { return idx.ids }

// Pixels returns the flat pixel indexes of a segment. The slice must not be modified.
func (idx *Index) Pixels(id int) []int { return idx.segmentToPixels[id] }

// PixelMap returns the segment id -> pixel indexes map. It must not be modified.
func (idx *Index) PixelMap() map[int][]int { return idx.segmentToPixels }

// Centroid returns the rounded mean coordinate of a segment's pixels.
func (idx *Index) Centroid(id int) (Point, bool) {
	p, ok := idx.centroids[id]
	return p, ok
}

// Centroids returns a copy of the segment id -> centroid map.
func (idx *Index) Centroids() map[int]Point {
	out := make(map[int]Point, len(idx.centroids))
	for id, p := range idx.centroids {
		out[id] = p
	}
	return out
}

// SegmentAt returns the segment covering (x, y), if any.
func (idx *Index) SegmentAt(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= idx.width || y >= idx.height {
		return 0, false
	}
	id := idx.pixelToSegment[PixelKey(x, y, idx.width)]
	return int(id), id != 0
}

// SegmentsInRegion returns the distinct segment ids touched by the given flat pixel indexes,
// ascending. Cost is proportional to the region size.
func (idx *Index) SegmentsInRegion(pixelIndexes []int) []int {
	seen := make(map[int]struct{})
	for _, p := range pixelIndexes {
		if p < 0 || p >= len(idx.pixelToSegment) {
			continue
		}
		x, y := UnpackPixelKey(p, idx.width)
		if id, ok := idx.SegmentAt(x, y); ok {
			seen[id] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Areas returns the pixel count of every segment.
func (idx *Index) Areas() map[int]float64 {
	out := make(map[int]float64, len(idx.segmentToPixels))
	for id, pixels := range idx.segmentToPixels {
		out[id] = float64(len(pixels))
	}
	return out
}
