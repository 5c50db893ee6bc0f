// Package importer loads externally computed segment features from CSV files.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
)

// Table holds parsed values keyed image set -> feature -> segment id.
type Table map[string]map[string]map[int]float64

// Info summarizes the header of a parsed file.
type Info struct {
	TotalFeatures       int      `json:"total_features"`
	ValidFeatures       int      `json:"valid_features"`
	InvalidFeatureNames []string `json:"invalid_feature_names,omitempty"`
	Rows                int      `json:"rows"`
}

// Parse reads a CSV with a header row. When imageSet is empty the first column
// names the image set; the next two columns are the marker and the segment id,
// and every remaining column is a feature. Features are named "<marker> <column>".
func Parse(r io.Reader, imageSet string) (Table, Info, error) {
	var info Info
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return Table{}, info, nil
	}
	if err != nil {
		return nil, info, fmt.Errorf("failed to read header: %w", err)
	}

	offset := 0
	if imageSet == "" {
		offset = 1
	}
	if len(header) < offset+2 {
		return nil, info, fmt.Errorf("header needs at least %d columns, got %d", offset+2, len(header))
	}

	columns := header[offset+2:]
	valid := make([]bool, len(columns))
	for i, name := range columns {
		if strings.TrimSpace(name) == "" {
			info.InvalidFeatureNames = append(info.InvalidFeatureNames, fmt.Sprintf("column %d", offset+3+i))
			continue
		}
		valid[i] = true
		info.ValidFeatures++
	}
	info.TotalFeatures = len(columns)

	table := Table{}
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, info, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) < offset+2 {
			return nil, info, fmt.Errorf("line %d: expected at least %d columns, got %d", line, offset+2, len(row))
		}

		set := imageSet
		if set == "" {
			set = row[0]
		}
		marker := strings.TrimSpace(row[offset])
		id, err := strconv.Atoi(strings.TrimSpace(row[offset+1]))
		if err != nil {
			return nil, info, fmt.Errorf("line %d: invalid segment id %q", line, row[offset+1])
		}

		if table[set] == nil {
			table[set] = map[string]map[int]float64{}
		}
		for i, cell := range row[offset+2:] {
			if i >= len(columns) || !valid[i] {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				continue
			}
			name := featureName(marker, strings.TrimSpace(columns[i]))
			if table[set][name] == nil {
				table[set][name] = map[int]float64{}
			}
			table[set][name][id] = v
		}
		info.Rows++
	}
	return table, info, nil
}

func featureName(marker, column string) string {
	if marker == "" {
		return column
	}
	return marker + " " + column
}

// Writer stores imported features.
type Writer interface {
	InsertFeatures(imageSet, feature string, values map[int]float64) error
	ReplaceFeatures(imageSet, feature string, values map[int]float64) error
}

// Options controls an import.
type Options struct {
	// ImageSet assigns every row to one image set. Empty means the first column names it.
	ImageSet string
	// ValidImageSets lists the image sets that may be written. Rows for others are reported, not stored.
	ValidImageSets []string
	// ClearDuplicates replaces any stored values of an imported feature instead of merging.
	ClearDuplicates bool
}

// Result summarizes an import.
type Result struct {
	Info
	ImportedFeatures []string `json:"imported_features"`
	InvalidImageSets []string `json:"invalid_image_sets,omitempty"`
}

// ErrNoValidImageSets is returned when nothing in the file matches a known image set.
var ErrNoValidImageSets = errors.New("importer: no rows for a known image set")

// Import parses r and writes every feature of every valid image set.
func Import(w Writer, r io.Reader, opts Options) (*Result, error) {
	table, info, err := Parse(r, opts.ImageSet)
	if err != nil {
		return nil, err
	}

	valid := make(map[string]bool, len(opts.ValidImageSets))
	for _, s := range opts.ValidImageSets {
		valid[s] = true
	}

	res := &Result{Info: info, ImportedFeatures: []string{}}
	sets := make([]string, 0, len(table))
	for s := range table {
		sets = append(sets, s)
	}
	sort.Strings(sets)

	for _, set := range sets {
		if !valid[set] {
			res.InvalidImageSets = append(res.InvalidImageSets, set)
			continue
		}
		names := make([]string, 0, len(table[set]))
		for f := range table[set] {
			names = append(names, f)
		}
		sort.Strings(names)

		for _, feature := range names {
			values := table[set][feature]
			if opts.ClearDuplicates {
				err = w.ReplaceFeatures(set, feature, values)
			} else {
				err = w.InsertFeatures(set, feature, values)
			}
			if err != nil {
				return res, fmt.Errorf("failed to store %s for %s: %w", feature, set, err)
			}
			res.ImportedFeatures = append(res.ImportedFeatures, set+"/"+feature)
		}
	}

	if len(res.InvalidImageSets) > 0 {
		log.Printf("[Importer] skipped rows for unknown image sets %v", res.InvalidImageSets)
	}
	if len(sets) > 0 && len(res.InvalidImageSets) == len(sets) {
		return res, ErrNoValidImageSets
	}
	return res, nil
}
