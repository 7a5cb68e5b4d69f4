package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mlowden/strand/internal/models"
)

// ErrForbidden indicates an operation rejected by policy, such as deleting
// a system tool.
var ErrForbidden = errors.New("operation forbidden")

// UpsertTool inserts or updates a tool definition. The is_system flag is
// immutable: updates never change it.
func (s *Store) UpsertTool(tool models.Tool) error {
	paramsJSON, err := json.Marshal(tool.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(
		`INSERT INTO tools (name, domain, description, parameters, usage_count, is_system, file_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   domain = excluded.domain,
		   description = excluded.description,
		   parameters = excluded.parameters,
		   file_path = excluded.file_path`,
		tool.Name, tool.Domain, tool.Description, string(paramsJSON), tool.UsageCount, boolToInt(tool.IsSystem), tool.FilePath, tool.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tool: %w", err)
	}
	return nil
}

// GetTool retrieves a tool by name.
func (s *Store) GetTool(name string) (*models.Tool, error) {
	return s.scanTool(s.db.QueryRow(
		`SELECT name, domain, description, parameters, usage_count, is_system, file_path, created_at FROM tools WHERE name = ?`,
		name,
	))
}

// ListTools returns all tools ordered by domain then name.
func (s *Store) ListTools() ([]models.Tool, error) {
	rows, err := s.db.Query(
		`SELECT name, domain, description, parameters, usage_count, is_system, file_path, created_at FROM tools ORDER BY domain, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query tools: %w", err)
	}
	defer rows.Close()

	var tools []models.Tool
	for rows.Next() {
		tool, err := s.scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *tool)
	}
	return tools, rows.Err()
}

// DeleteTool removes a non-system tool. System tools are protected: the
// delete is guarded in SQL so the check and the removal cannot race.
func (s *Store) DeleteTool(name string) error {
	result, err := s.db.Exec(`DELETE FROM tools WHERE name = ? AND is_system = 0`, name)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		tool, err := s.GetTool(name)
		if err != nil {
			return err
		}
		if tool == nil {
			return ErrNotFound
		}
		return fmt.Errorf("tool %s is a system tool: %w", name, ErrForbidden)
	}
	return nil
}

// TouchTool increments a tool's usage counter.
func (s *Store) TouchTool(name string) error {
	result, err := s.db.Exec(`UPDATE tools SET usage_count = usage_count + 1 WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("touch tool: %w", err)
	}
	return requireRow(result)
}

// CountTools returns the number of registered tools.
func (s *Store) CountTools() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tools`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tools: %w", err)
	}
	return count, nil
}

func (s *Store) scanTool(row rowScanner) (*models.Tool, error) {
	tool := &models.Tool{}
	var paramsJSON, description, filePath sql.NullString
	var isSystem int

	err := row.Scan(&tool.Name, &tool.Domain, &description, &paramsJSON, &tool.UsageCount, &isSystem, &filePath, &tool.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tool: %w", err)
	}

	tool.IsSystem = isSystem != 0
	if description.Valid {
		tool.Description = description.String
	}
	if filePath.Valid {
		tool.FilePath = filePath.String
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &tool.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return tool, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
