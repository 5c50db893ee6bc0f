package featurestore

import (
	"encoding/json"
	"fmt"
)

// Selection is a named population of segments within an image set.
type Selection struct {
	ID               string `json:"id"`
	RenderOrder      int    `json:"renderOrder"`
	Name             string `json:"name"`
	Color            int    `json:"color"`
	Visible          bool   `json:"visible"`
	PixelIndexes     []int  `json:"pixelIndexes,omitempty"`
	SelectedSegments []int  `json:"selectedSegments"`
}

// UpsertSettings shallow-merges the given keys into the stored settings.
// Keys absent from the update keep their stored values.
func (s *Store) UpsertSettings(partial map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, v := range partial {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal setting %s: %w", k, err)
		}
		if _, err := stmt.Exec(k, string(raw)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSettings returns the full merged settings object.
func (s *Store) GetSettings() (map[string]interface{}, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]interface{})
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, err
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to parse setting %s: %w", k, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpsertSelections stores selections by id. An existing id is replaced in place
// and keeps its position; a new id is appended after the existing ones.
func (s *Store) UpsertSelections(imageSet string, selections []Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(position), -1) + 1 FROM selections WHERE image_set = ?`, imageSet).Scan(&next); err != nil {
		return err
	}

	for _, sel := range selections {
		if sel.ID == "" {
			return fmt.Errorf("selection %q has no id", sel.Name)
		}
		raw, err := json.Marshal(sel)
		if err != nil {
			return fmt.Errorf("failed to marshal selection %s: %w", sel.ID, err)
		}

		res, err := tx.Exec(`UPDATE selections SET value = ? WHERE image_set = ? AND id = ?`, string(raw), imageSet, sel.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			continue
		}

		if _, err := tx.Exec(`INSERT INTO selections (image_set, id, position, value) VALUES (?, ?, ?, ?)`,
			imageSet, sel.ID, next, string(raw)); err != nil {
			return err
		}
		next++
	}
	return tx.Commit()
}

// GetSelections returns the selections of an image set in stable order.
func (s *Store) GetSelections(imageSet string) ([]Selection, error) {
	rows, err := s.db.Query(`SELECT value FROM selections WHERE image_set = ? ORDER BY position`, imageSet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Selection{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sel Selection
		if err := json.Unmarshal([]byte(raw), &sel); err != nil {
			return nil, fmt.Errorf("failed to parse selection: %w", err)
		}
		out = append(out, sel)
	}
	return out, rows.Err()
}

// DeleteSelection removes one selection.
func (s *Store) DeleteSelection(imageSet, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM selections WHERE image_set = ? AND id = ?`, imageSet, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: selection %s in %s", ErrNotFound, id, imageSet)
	}
	return nil
}
