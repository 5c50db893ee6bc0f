package stats

import (
	"errors"
	"math"
	"testing"
)

func TestMedianOf(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		want    float64
	}{
		{"odd", []float64{100, 22, 33, 80, 1}, 33},
		{"even", []float64{4, 1, 3, 2}, 2.5},
		{"single", []float64{7}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MedianOf(tt.samples); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}

	t.Run("inputUnchanged", func(t *testing.T) {
		in := []float64{3, 1, 2}
		MedianOf(in)
		if in[0] != 3 || in[1] != 1 || in[2] != 2 {
			t.Fatalf("input was reordered: %v", in)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if got := MedianOf(nil); !math.IsNaN(got) {
			t.Fatalf("expected NaN, got %v", got)
		}
	})
}

func TestMeanOf(t *testing.T) {
	if got := MeanOf([]float64{1, 2, 3, 4, 5}); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
	if got := MeanOf(nil); !math.IsNaN(got) {
		t.Fatalf("expected NaN on empty input, got %v", got)
	}
}

func TestSumAndCountZero(t *testing.T) {
	samples := []float64{0, 1.5, 0, 2.5, 0}
	if got := SumOf(samples); got != 4 {
		t.Fatalf("expected sum 4, got %v", got)
	}
	if got := CountZeroOf(samples); got != 3 {
		t.Fatalf("expected 3 zeros, got %v", got)
	}
}

func TestReduce(t *testing.T) {
	samples := []float64{0, 2, 4}
	want := map[Statistic]float64{
		Mean:      2,
		Median:    2,
		Sum:       6,
		CountZero: 1,
		Area:      3,
	}
	for _, s := range All {
		got, err := Reduce(s, samples)
		if err != nil {
			t.Fatalf("Reduce(%v) error: %v", s, err)
		}
		if got != want[s] {
			t.Errorf("Reduce(%v): expected %v, got %v", s, want[s], got)
		}
	}

	if _, err := Reduce(Statistic(99), samples); !errors.Is(err, ErrUnknownStatistic) {
		t.Fatalf("expected ErrUnknownStatistic, got %v", err)
	}
}

func TestParseAndFeatureName(t *testing.T) {
	for _, s := range All {
		got, err := Parse(s.String())
		if err != nil || got != s {
			t.Fatalf("Parse(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := Parse("mode"); !errors.Is(err, ErrUnknownStatistic) {
		t.Fatalf("expected ErrUnknownStatistic, got %v", err)
	}

	if got := FeatureName("CD8", Mean); got != "CD8 Mean" {
		t.Fatalf("unexpected feature name %q", got)
	}
	if got := FeatureName("CD8", CountZero); got != "CD8 Count Zero" {
		t.Fatalf("unexpected feature name %q", got)
	}
	if got := FeatureName("CD8", Area); got != AreaFeatureName {
		t.Fatalf("unexpected area feature name %q", got)
	}
}
