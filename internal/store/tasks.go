package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mlowden/strand/internal/models"
)

// CreateTask inserts a new queued task bound to a thread and appends it to
// the thread's task sequence. Fails with ErrNotFound when the thread is
// unknown; the scheduler never creates threads implicitly.
func (s *Store) CreateTask(threadID, prompt string) (*models.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}

	var seq int
	err = tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks WHERE thread_id = ?`, threadID).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("next task seq: %w", err)
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Prompt:    prompt,
		Status:    models.TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.Exec(
		`INSERT INTO tasks (id, thread_id, seq, prompt, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ThreadID, seq, task.Prompt, task.Status, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	_, err = tx.Exec(`UPDATE threads SET updated_at = ? WHERE id = ?`, now, threadID)
	if err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*models.Task, error) {
	return s.scanTask(s.db.QueryRow(
		`SELECT id, thread_id, prompt, status, worker_id, result, error, created_at, updated_at FROM tasks WHERE id = ?`,
		id,
	))
}

// ListTasksForThread returns a thread's tasks in submission order.
func (s *Store) ListTasksForThread(threadID string) ([]models.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, prompt, status, worker_id, result, error, created_at, updated_at FROM tasks WHERE thread_id = ? ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ClaimNextTask atomically claims the oldest queued task whose thread has no
// running task, transitions it to running, and binds the worker id. At most
// one task per thread runs at a time; two workers can never claim the same
// task because the update is guarded by a status compare-and-swap.
// Returns (nil, nil) when no task is claimable.
func (s *Store) ClaimNextTask(workerID string) (*models.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := s.scanTask(tx.QueryRow(
		`SELECT id, thread_id, prompt, status, worker_id, result, error, created_at, updated_at
		 FROM tasks t
		 WHERE t.status = 'queued'
		   AND t.thread_id NOT LIKE 'deleted:%'
		   AND NOT EXISTS (
		       SELECT 1 FROM tasks r WHERE r.thread_id = t.thread_id AND r.status = 'running'
		   )
		 ORDER BY t.created_at ASC, t.seq ASC
		 LIMIT 1`,
	))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	result, err := tx.Exec(
		`UPDATE tasks SET status = ?, worker_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusRunning, workerID, now, task.ID, models.TaskStatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		// Another writer got here first
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusRunning
	task.WorkerID = workerID
	task.UpdatedAt = now
	return task, nil
}

// FinalizeTask transitions a task to a terminal status exactly once. A
// second finalization of an already-terminal task is a no-op that returns
// the existing terminal record, so ambiguous client retries stay safe.
func (s *Store) FinalizeTask(id string, status models.TaskStatus, result *models.TaskResult, errMsg string) (*models.Task, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finalize to non-terminal status %q: %w", status, ErrInvalidTransition)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.scanTask(tx.QueryRow(
		`SELECT id, thread_id, prompt, status, worker_id, result, error, created_at, updated_at FROM tasks WHERE id = ?`,
		id,
	))
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotFound
	}
	if current.Status.Terminal() {
		return current, nil
	}

	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ? AND status IN ('queued', 'running')`,
		status, resultJSON, errMsg, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("finalize task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to another finalizer; re-read and surface its outcome
		return current, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	current.Status = status
	current.Result = result
	current.Error = errMsg
	current.UpdatedAt = now
	return current, nil
}

// RunningTasksOlderThan returns running tasks whose last update is before
// the cutoff. Used by the scheduler's timeout backstop.
func (s *Store) RunningTasksOlderThan(cutoff time.Time) ([]models.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, prompt, status, worker_id, result, error, created_at, updated_at FROM tasks WHERE status = 'running' AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// QueueStatus returns queued/running counts plus the most advanced
// non-terminal status per thread.
func (s *Store) QueueStatus() (*models.QueueStatus, error) {
	qs := &models.QueueStatus{PerThread: make(map[string]models.TaskStatus)}

	rows, err := s.db.Query(
		`SELECT thread_id, status, COUNT(*) FROM tasks WHERE status IN ('queued', 'running') AND thread_id NOT LIKE 'deleted:%' GROUP BY thread_id, status`,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var threadID string
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&threadID, &status, &count); err != nil {
			return nil, fmt.Errorf("scan queue status: %w", err)
		}
		switch status {
		case models.TaskStatusQueued:
			qs.QueuedCount += count
		case models.TaskStatusRunning:
			qs.RunningCount += count
		}
		// running wins over queued in the per-thread view
		if existing, ok := qs.PerThread[threadID]; !ok || existing == models.TaskStatusQueued {
			qs.PerThread[threadID] = status
		}
	}
	return qs, rows.Err()
}

func (s *Store) scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var workerID, resultJSON, errMsg sql.NullString

	err := row.Scan(&task.ID, &task.ThreadID, &task.Prompt, &task.Status, &workerID, &resultJSON, &errMsg, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if workerID.Valid {
		task.WorkerID = workerID.String
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	if resultJSON.Valid && resultJSON.String != "" {
		task.Result = &models.TaskResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return task, nil
}
