package importer

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	replace  bool
	imageSet string
	feature  string
	values   map[int]float64
}

type fakeWriter struct {
	calls []call
	err   error
}

func (w *fakeWriter) InsertFeatures(imageSet, feature string, values map[int]float64) error {
	w.calls = append(w.calls, call{false, imageSet, feature, values})
	return w.err
}

func (w *fakeWriter) ReplaceFeatures(imageSet, feature string, values map[int]float64) error {
	w.calls = append(w.calls, call{true, imageSet, feature, values})
	return w.err
}

func TestParse_WithImageSetColumn(t *testing.T) {
	input := `image_set,marker,segment_id,Mean,Median
a,CD8,1,1.5,1
a,CD8,2,2.5,2
b,CD8,1,9,9
a,DNA,1,100,NaN-ish
`
	table, info, err := Parse(strings.NewReader(input), "")
	require.NoError(t, err)

	assert.Equal(t, 4, info.Rows)
	assert.Equal(t, 2, info.TotalFeatures)
	assert.Equal(t, map[int]float64{1: 1.5, 2: 2.5}, table["a"]["CD8 Mean"])
	assert.Equal(t, map[int]float64{1: 9}, table["b"]["CD8 Median"])
	assert.Equal(t, map[int]float64{1: 100}, table["a"]["DNA Mean"])
	assert.NotContains(t, table["a"], "DNA Median")
}

func TestParse_FixedImageSet(t *testing.T) {
	input := "marker,segment_id,Area,\nCD8,7,12,3\n"
	table, info, err := Parse(strings.NewReader(input), "set")
	require.NoError(t, err)

	assert.Equal(t, map[int]float64{7: 12}, table["set"]["CD8 Area"])
	assert.Equal(t, 1, info.ValidFeatures)
	assert.Len(t, info.InvalidFeatureNames, 1)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"shortHeader", "marker\n"},
		{"badSegmentID", "marker,segment_id,Mean\nCD8,abc,1\n"},
		{"shortRow", "marker,segment_id,Mean\nCD8\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(strings.NewReader(tt.input), "set")
			assert.Error(t, err)
		})
	}

	table, _, err := Parse(strings.NewReader(""), "set")
	require.NoError(t, err)
	assert.Empty(t, table)
}

func TestImport(t *testing.T) {
	input := `image_set,marker,segment_id,Mean
a,CD8,1,1
b,CD8,1,2
unknown,CD8,1,3
`
	t.Run("replace", func(t *testing.T) {
		w := &fakeWriter{}
		res, err := Import(w, strings.NewReader(input), Options{ValidImageSets: []string{"a", "b"}, ClearDuplicates: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"unknown"}, res.InvalidImageSets)
		assert.Equal(t, []string{"a/CD8 Mean", "b/CD8 Mean"}, res.ImportedFeatures)
		require.Len(t, w.calls, 2)
		assert.Equal(t, call{true, "a", "CD8 Mean", map[int]float64{1: 1}}, w.calls[0])
	})

	t.Run("merge", func(t *testing.T) {
		w := &fakeWriter{}
		_, err := Import(w, strings.NewReader(input), Options{ValidImageSets: []string{"a"}})
		require.NoError(t, err)
		require.Len(t, w.calls, 1)
		assert.False(t, w.calls[0].replace)
	})

	t.Run("noValidSets", func(t *testing.T) {
		_, err := Import(&fakeWriter{}, strings.NewReader(input), Options{ValidImageSets: []string{"z"}})
		assert.ErrorIs(t, err, ErrNoValidImageSets)
	})

	t.Run("writeError", func(t *testing.T) {
		boom := errors.New("disk full")
		_, err := Import(&fakeWriter{err: boom}, strings.NewReader(input), Options{ValidImageSets: []string{"a"}})
		assert.ErrorIs(t, err, boom)
	})
}
