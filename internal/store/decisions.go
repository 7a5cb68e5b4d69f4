package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DecisionRecord is one row of the audit trail written for state-mutating
// scheduler and approval actions.
type DecisionRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	EntityID   string    `json:"entity_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WriteDecision appends a decision record.
func (s *Store) WriteDecision(action, inputsHash, outcome, entityID, details string) (*DecisionRecord, error) {
	rec := &DecisionRecord{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		EntityID:   entityID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO decisions (id, action, inputs_hash, outcome, entity_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.InputsHash, rec.Outcome, rec.EntityID, rec.Details, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return rec, nil
}

// RecentDecisions returns the newest decision records, most recent first.
func (s *Store) RecentDecisions(limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, entity_id, details, timestamp FROM decisions ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var recs []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.InputsHash, &rec.Outcome, &rec.EntityID, &rec.Details, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
