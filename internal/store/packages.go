package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mlowden/strand/internal/models"
)

// ErrPackageExists indicates a package record already exists for the name.
var ErrPackageExists = errors.New("package already exists")

// CreatePackage inserts a new pending package record. Exactly one record
// exists per name; a duplicate insert fails with ErrPackageExists so the
// approval manager can surface the existing record instead.
func (s *Store) CreatePackage(name, reason, requestedBy string, metadata models.PackageMetadata) (*models.Package, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	pkg := &models.Package{
		Name:        name,
		Status:      models.PackageStatusPending,
		Metadata:    metadata,
		Reason:      reason,
		UsageCount:  1,
		RequestedBy: requestedBy,
		RequestedAt: now,
	}

	_, err = s.db.Exec(
		`INSERT INTO packages (name, status, metadata, reason, usage_count, requested_by, requested_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pkg.Name, pkg.Status, string(metaJSON), pkg.Reason, pkg.UsageCount, pkg.RequestedBy, pkg.RequestedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return nil, ErrPackageExists
		}
		return nil, fmt.Errorf("insert package: %w", err)
	}
	return pkg, nil
}

// GetPackage retrieves a package by name.
func (s *Store) GetPackage(name string) (*models.Package, error) {
	return s.scanPackage(s.db.QueryRow(
		`SELECT name, status, metadata, reason, error, usage_count, requested_by, requested_at, approved_at, installed_at, last_used_at FROM packages WHERE name = ?`,
		name,
	))
}

// ListPackages returns all package records, most recently requested first.
func (s *Store) ListPackages() ([]models.Package, error) {
	rows, err := s.db.Query(
		`SELECT name, status, metadata, reason, error, usage_count, requested_by, requested_at, approved_at, installed_at, last_used_at FROM packages ORDER BY requested_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()

	var pkgs []models.Package
	for rows.Next() {
		pkg, err := s.scanPackage(rows)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, *pkg)
	}
	return pkgs, rows.Err()
}

// TransitionPackage moves a package from one of the allowed source states to
// the target state in a single atomic check-and-set. Two concurrent callers
// racing on the same source state resolve to exactly one winner; the loser
// gets ErrInvalidTransition and must re-fetch. Timestamps and the error
// field are maintained per target state.
func (s *Store) TransitionPackage(name string, to models.PackageStatus, errMsg string, from ...models.PackageStatus) (*models.Package, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition to %q: no source states: %w", to, ErrInvalidTransition)
	}

	set := `status = ?, error = ?`
	args := []any{to, errMsg}
	now := time.Now().UTC()
	switch to {
	case models.PackageStatusApproved:
		set += `, approved_at = ?`
		args = append(args, now)
	case models.PackageStatusInstalled:
		set += `, installed_at = ?`
		args = append(args, now)
	}

	placeholders := make([]string, len(from))
	args = append(args, name)
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, f)
	}

	result, err := s.db.Exec(
		`UPDATE packages SET `+set+` WHERE name = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("transition package: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		pkg, err := s.GetPackage(name)
		if err != nil {
			return nil, err
		}
		if pkg == nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("package %s is %s: %w", name, pkg.Status, ErrInvalidTransition)
	}

	return s.GetPackage(name)
}

// RecordDriftPackage upserts a package record to reflect the actual state
// of the execution environment, bypassing the transition graph. Only the
// sync reconciler uses this: drift detected out-of-band is a fact to
// record, not a transition to validate.
func (s *Store) RecordDriftPackage(name string, status models.PackageStatus, metadata models.PackageMetadata) (*models.Package, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO packages (name, status, metadata, requested_by, requested_at) VALUES (?, ?, ?, 'sync', ?)
		 ON CONFLICT(name) DO UPDATE SET status = excluded.status`,
		name, status, string(metaJSON), now,
	)
	if err != nil {
		return nil, fmt.Errorf("record drift package: %w", err)
	}
	return s.GetPackage(name)
}

// BumpPackageUsage increments the usage counter and stamps last_used_at.
func (s *Store) BumpPackageUsage(name string) error {
	result, err := s.db.Exec(
		`UPDATE packages SET usage_count = usage_count + 1, last_used_at = ? WHERE name = ?`,
		time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("bump package usage: %w", err)
	}
	return requireRow(result)
}

// UpdatePackageMetadata refreshes the advisory metadata of a package.
func (s *Store) UpdatePackageMetadata(name string, metadata models.PackageMetadata) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := s.db.Exec(`UPDATE packages SET metadata = ? WHERE name = ?`, string(metaJSON), name)
	if err != nil {
		return fmt.Errorf("update package metadata: %w", err)
	}
	return requireRow(result)
}

func (s *Store) scanPackage(row rowScanner) (*models.Package, error) {
	pkg := &models.Package{}
	var metaJSON string
	var reason, errMsg, requestedBy sql.NullString
	var approvedAt, installedAt, lastUsedAt sql.NullTime

	err := row.Scan(&pkg.Name, &pkg.Status, &metaJSON, &reason, &errMsg, &pkg.UsageCount, &requestedBy, &pkg.RequestedAt, &approvedAt, &installedAt, &lastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan package: %w", err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &pkg.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if reason.Valid {
		pkg.Reason = reason.String
	}
	if errMsg.Valid {
		pkg.Error = errMsg.String
	}
	if requestedBy.Valid {
		pkg.RequestedBy = requestedBy.String
	}
	if approvedAt.Valid {
		pkg.ApprovedAt = &approvedAt.Time
	}
	if installedAt.Valid {
		pkg.InstalledAt = &installedAt.Time
	}
	if lastUsedAt.Valid {
		pkg.LastUsedAt = &lastUsedAt.Time
	}
	return pkg, nil
}
