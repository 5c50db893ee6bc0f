// Package featurestore persists computed segment features, settings and selections using SQLite.
package featurestore

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// DefaultFilename is the database file created under a project base path.
const DefaultFilename = "mantis.db"

// ErrNotFound is returned when a requested row or aggregate does not exist.
var ErrNotFound = errors.New("featurestore: not found")

// MinMax is the value range of a feature within one image set.
type MinMax struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Store provides persistent storage for features.
// All writes are serialized through mu; readers go straight to the pool.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (creating if needed) the database under basePath.
func Open(basePath string) (*Store, error) {
	return OpenFile(filepath.Join(basePath, DefaultFilename))
}

// OpenFile opens the database at an explicit path.
func OpenFile(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS features (
		image_set TEXT NOT NULL,
		feature TEXT NOT NULL,
		segment_id INTEGER NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (image_set, feature, segment_id)
	);

	CREATE INDEX IF NOT EXISTS idx_features_feature ON features(feature, image_set);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS selections (
		image_set TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (image_set, id)
	);

	CREATE INDEX IF NOT EXISTS idx_selections_order ON selections(image_set, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertFeatures writes one row per segment in a single transaction.
// An existing row for the same segment is overwritten.
func (s *Store) InsertFeatures(imageSet, feature string, values map[int]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertFeatures(tx, imageSet, feature, values); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFeatures removes every row of a feature in an image set.
func (s *Store) DeleteFeatures(imageSet, feature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM features WHERE image_set = ? AND feature = ?`, imageSet, feature)
	return err
}

// ReplaceFeatures deletes and rewrites a feature atomically: readers see either
// the old values or the new ones, never a mix or an empty set.
func (s *Store) ReplaceFeatures(imageSet, feature string, values map[int]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM features WHERE image_set = ? AND feature = ?`, imageSet, feature); err != nil {
		return fmt.Errorf("failed to clear feature %s: %w", feature, err)
	}
	if err := insertFeatures(tx, imageSet, feature, values); err != nil {
		return err
	}
	return tx.Commit()
}

func insertFeatures(tx *sql.Tx, imageSet, feature string, values map[int]float64) error {
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO features (image_set, feature, segment_id, value)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, v := range values {
		// NaN binds as NULL; such segments are stored as absent.
		if math.IsNaN(v) {
			continue
		}
		if _, err := stmt.Exec(imageSet, feature, id, v); err != nil {
			return fmt.Errorf("failed to insert segment %d: %w", id, err)
		}
	}
	return nil
}

// SelectValues returns segment id -> value for the feature in each requested image set.
// An image set with no rows maps to an empty map.
func (s *Store) SelectValues(imageSets []string, feature string) (map[string]map[int]float64, error) {
	out := make(map[string]map[int]float64, len(imageSets))
	for _, set := range imageSets {
		out[set] = make(map[int]float64)
	}
	if len(imageSets) == 0 {
		return out, nil
	}

	args := append([]interface{}{feature}, stringArgs(imageSets)...)
	rows, err := s.db.Query(`
		SELECT image_set, segment_id, value FROM features
		WHERE feature = ? AND image_set IN (`+placeholders(len(imageSets))+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var set string
		var id int
		var v float64
		if err := rows.Scan(&set, &id, &v); err != nil {
			return nil, err
		}
		out[set][id] = v
	}
	return out, rows.Err()
}

// MinValue returns the smallest value of a feature in an image set.
func (s *Store) MinValue(imageSet, feature string) (float64, error) {
	return s.aggregate("MIN", imageSet, feature)
}

// MaxValue returns the largest value of a feature in an image set.
func (s *Store) MaxValue(imageSet, feature string) (float64, error) {
	return s.aggregate("MAX", imageSet, feature)
}

func (s *Store) aggregate(fn, imageSet, feature string) (float64, error) {
	var v sql.NullFloat64
	err := s.db.QueryRow(`SELECT `+fn+`(value) FROM features WHERE image_set = ? AND feature = ?`, imageSet, feature).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, fmt.Errorf("%w: %s in %s", ErrNotFound, feature, imageSet)
	}
	return v.Float64, nil
}

// MinMaxValues returns the value range of a feature per image set.
// Image sets without the feature are omitted.
func (s *Store) MinMaxValues(imageSets []string, feature string) (map[string]MinMax, error) {
	out := make(map[string]MinMax, len(imageSets))
	if len(imageSets) == 0 {
		return out, nil
	}

	args := append([]interface{}{feature}, stringArgs(imageSets)...)
	rows, err := s.db.Query(`
		SELECT image_set, MIN(value), MAX(value) FROM features
		WHERE feature = ? AND image_set IN (`+placeholders(len(imageSets))+`)
		GROUP BY image_set
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var set string
		var mm MinMax
		if err := rows.Scan(&set, &mm.Min, &mm.Max); err != nil {
			return nil, err
		}
		out[set] = mm
	}
	return out, rows.Err()
}

// FeaturesPresent reports whether any feature has been stored for the image set.
func (s *Store) FeaturesPresent(imageSet string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM features WHERE image_set = ? LIMIT 1`, imageSet).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListFeatures returns the names of the features stored for an image set, sorted.
func (s *Store) ListFeatures(imageSet string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT feature FROM features WHERE image_set = ? ORDER BY feature`, imageSet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	features := []string{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// NumFeatures returns the total number of stored feature rows.
func (s *Store) NumFeatures() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM features`).Scan(&n)
	return n, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
