// Package stats provides the per-segment reducers used to derive features.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrUnknownStatistic is returned when parsing an unrecognised statistic name.
var ErrUnknownStatistic = errors.New("stats: unknown statistic")

// Statistic identifies one per-segment reduction.
type Statistic int

const (
	Mean Statistic = iota
	Median
	Sum
	CountZero
	Area
)

// AreaFeatureName is the feature name used for segment area, which is not tied to a marker.
const AreaFeatureName = "Segment Area"

// All lists every statistic in declaration order.
var All = []Statistic{Mean, Median, Sum, CountZero, Area}

// String returns the config/wire name.
func (s Statistic) String() string {
	switch s {
	case Mean:
		return "mean"
	case Median:
		return "median"
	case Sum:
		return "sum"
	case CountZero:
		return "count_zero"
	case Area:
		return "area"
	default:
		return fmt.Sprintf("statistic(%d)", int(s))
	}
}

// Label returns the display name used in feature names.
func (s Statistic) Label() string {
	switch s {
	case Mean:
		return "Mean"
	case Median:
		return "Median"
	case Sum:
		return "Sum"
	case CountZero:
		return "Count Zero"
	case Area:
		return "Area"
	default:
		return s.String()
	}
}

// NeedsIntensity reports whether the statistic reads marker intensities.
func (s Statistic) NeedsIntensity() bool {
	return s != Area
}

// Parse converts a config/wire name into a Statistic.
func Parse(name string) (Statistic, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mean":
		return Mean, nil
	case "median":
		return Median, nil
	case "sum":
		return Sum, nil
	case "count_zero", "countzero", "count-zero":
		return CountZero, nil
	case "area":
		return Area, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatistic, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Statistic) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Statistic) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// FeatureName returns "<marker> <Label>", or AreaFeatureName for area.
func FeatureName(marker string, s Statistic) string {
	if s == Area {
		return AreaFeatureName
	}
	return marker + " " + s.Label()
}

// MeanOf returns the arithmetic mean. Empty input yields NaN.
func MeanOf(samples []float64) float64 {
	return stat.Mean(samples, nil)
}

// MedianOf returns the median, averaging the two central values for even lengths.
// The input is not modified. Empty input yields NaN.
func MedianOf(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// SumOf returns the sum of samples.
func SumOf(samples []float64) float64 {
	return floats.Sum(samples)
}

// CountZeroOf returns how many samples are exactly zero.
func CountZeroOf(samples []float64) float64 {
	var n float64
	for _, v := range samples {
		if v == 0 {
			n++
		}
	}
	return n
}

// Reduce applies s to samples. Area reduces to the sample count.
func Reduce(s Statistic, samples []float64) (float64, error) {
	switch s {
	case Mean:
		return MeanOf(samples), nil
	case Median:
		return MedianOf(samples), nil
	case Sum:
		return SumOf(samples), nil
	case CountZero:
		return CountZeroOf(samples), nil
	case Area:
		return float64(len(samples)), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownStatistic, int(s))
}
