package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mlowden/strand/internal/models"
)

// CreateThread inserts a new thread with default mode and settings.
func (s *Store) CreateThread(title string) (*models.Thread, error) {
	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.New().String(),
		Title:     title,
		Mode:      models.ThreadModeAuto,
		Settings:  models.DefaultThreadSettings(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	settingsJSON, err := json.Marshal(thread.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO threads (id, title, mode, settings, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.Title, thread.Mode, string(settingsJSON), thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return thread, nil
}

// GetThread retrieves a thread by ID, including its ordered task id sequence.
func (s *Store) GetThread(id string) (*models.Thread, error) {
	thread, err := s.scanThread(s.db.QueryRow(
		`SELECT id, title, mode, settings, created_at, updated_at FROM threads WHERE id = ?`, id,
	))
	if err != nil || thread == nil {
		return thread, err
	}

	thread.TaskIDs, err = s.taskIDsForThread(id)
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// ListThreads returns all threads with their task id sequences.
func (s *Store) ListThreads() ([]models.Thread, error) {
	rows, err := s.db.Query(
		`SELECT id, title, mode, settings, created_at, updated_at FROM threads ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		thread, err := s.scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *thread)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range threads {
		threads[i].TaskIDs, err = s.taskIDsForThread(threads[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return threads, nil
}

// SetThreadMode updates the mode of a thread.
func (s *Store) SetThreadMode(id string, mode models.ThreadMode) error {
	result, err := s.db.Exec(
		`UPDATE threads SET mode = ?, updated_at = ? WHERE id = ?`,
		mode, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update thread mode: %w", err)
	}
	return requireRow(result)
}

// UpdateThreadSettings replaces the stored settings of a thread. The caller
// (the registry) is responsible for reading, merging, and serializing access.
func (s *Store) UpdateThreadSettings(id string, settings models.ThreadSettings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	result, err := s.db.Exec(
		`UPDATE threads SET settings = ?, updated_at = ? WHERE id = ?`,
		string(settingsJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update thread settings: %w", err)
	}
	return requireRow(result)
}

// TouchThread bumps a thread's updated_at timestamp.
func (s *Store) TouchThread(id string) error {
	result, err := s.db.Exec(
		`UPDATE threads SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return requireRow(result)
}

// DeleteThread removes a thread. Queued tasks are finalized as failed
// (nothing will ever claim them); all of the thread's tasks are then
// retained for audit but detached from the registry, so they become
// unreachable through thread reads. Everything happens in one transaction.
func (s *Store) DeleteThread(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	now := time.Now().UTC()

	// Queued tasks can never be claimed once the thread is gone, so
	// finalize them here rather than leaving them non-terminal forever.
	// Running tasks are left alone: their workers finalize them.
	_, err = tx.Exec(
		`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE thread_id = ? AND status = ?`,
		models.TaskStatusFailed, "thread deleted before execution", now, id, models.TaskStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("fail queued tasks: %w", err)
	}

	// Orphan the tasks instead of deleting them: prefix keeps the original
	// id recoverable for audit while no registry read will ever match it.
	_, err = tx.Exec(
		`UPDATE tasks SET thread_id = 'deleted:' || thread_id, updated_at = ? WHERE thread_id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("detach tasks: %w", err)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanThread(row rowScanner) (*models.Thread, error) {
	thread := &models.Thread{}
	var settingsJSON string

	err := row.Scan(&thread.ID, &thread.Title, &thread.Mode, &settingsJSON, &thread.CreatedAt, &thread.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}

	if err := json.Unmarshal([]byte(settingsJSON), &thread.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return thread, nil
}

func (s *Store) taskIDsForThread(threadID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
