package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// LoadPreferences reads the full preference document. Returns an empty map
// when nothing has been stored yet.
func (s *Store) LoadPreferences() (map[string]any, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM preferences WHERE id = 1`).Scan(&doc)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	prefs := map[string]any{}
	if err := json.Unmarshal([]byte(doc), &prefs); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences replaces the full preference document. Last write wins;
// the prefs package serializes writers.
func (s *Store) SavePreferences(prefs map[string]any) error {
	doc, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO preferences (id, doc) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
