package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mlowden/strand/internal/models"
	"time"
)

// AppendMemory inserts a memory record. Records are append-only and never
// mutated afterwards. An empty thread id scopes the record to the permanent
// cross-thread store.
func (s *Store) AppendMemory(rec models.MemoryRecord) (*models.MemoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var detailsJSON sql.NullString
	if rec.Details != nil {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO memories (id, thread_id, event_type, summary, content, domain, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullIfEmpty(rec.ThreadID), rec.EventType, rec.Summary, rec.Content, nullIfEmpty(rec.Domain), detailsJSON, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &rec, nil
}

// ListMemories returns records for a thread scope in chronological order.
// An empty thread id selects the permanent store.
func (s *Store) ListMemories(threadID string) ([]models.MemoryRecord, error) {
	var rows *sql.Rows
	var err error
	if threadID == "" {
		rows, err = s.db.Query(
			`SELECT id, thread_id, event_type, summary, content, domain, details, timestamp FROM memories WHERE thread_id IS NULL ORDER BY timestamp ASC`,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, thread_id, event_type, summary, content, domain, details, timestamp FROM memories WHERE thread_id = ? ORDER BY timestamp ASC`,
			threadID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MemoryThreadIDs returns the distinct thread scopes that hold memories.
func (s *Store) MemoryThreadIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT thread_id FROM memories WHERE thread_id IS NOT NULL ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("query memory threads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchMemories returns records whose summary or content match the query,
// optionally restricted to a domain. Ranking happens in the memory service.
func (s *Store) SearchMemories(query, domain string, limit int) ([]models.MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"

	var rows *sql.Rows
	var err error
	if domain != "" {
		rows, err = s.db.Query(
			`SELECT id, thread_id, event_type, summary, content, domain, details, timestamp FROM memories
			 WHERE (summary LIKE ? OR content LIKE ?) AND domain = ? ORDER BY timestamp DESC LIMIT ?`,
			pattern, pattern, domain, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, thread_id, event_type, summary, content, domain, details, timestamp FROM memories
			 WHERE summary LIKE ? OR content LIKE ? ORDER BY timestamp DESC LIMIT ?`,
			pattern, pattern, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]models.MemoryRecord, error) {
	var records []models.MemoryRecord
	for rows.Next() {
		var rec models.MemoryRecord
		var threadID, domain, detailsJSON sql.NullString

		if err := rows.Scan(&rec.ID, &threadID, &rec.EventType, &rec.Summary, &rec.Content, &domain, &detailsJSON, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if threadID.Valid {
			rec.ThreadID = threadID.String
		}
		if domain.Valid {
			rec.Domain = domain.String
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &rec.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
