// version_repository.go implements VersionRepository, providing database
// queries for persisted release versions.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cloudnetservice/updateserver/internal/db/models"
)

// VersionRepository handles database operations for release versions
type VersionRepository struct {
	db *sql.DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *sql.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Replace atomically replaces the stored row for (parentName, name) with the
// given payload. Delete plus insert runs in one transaction so re-installing
// a version (a re-published release) never leaves a half-updated row behind
// and never produces duplicates under the UNIQUE(parent_name, name)
// constraint.
func (r *VersionRepository) Replace(ctx context.Context, row *models.VersionRow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleteQuery := `DELETE FROM versions WHERE parent_name = $1 AND name = $2`
	if _, err := tx.ExecContext(ctx, deleteQuery, row.ParentName, row.Name); err != nil {
		return fmt.Errorf("failed to delete existing version: %w", err)
	}

	insertQuery := `
		INSERT INTO versions (parent_name, name, release_date, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, insertQuery,
		row.ParentName,
		row.Name,
		row.ReleaseDate,
		row.Payload,
	).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit version replace: %w", err)
	}

	return nil
}

// Get retrieves one version row by parent name and version name
func (r *VersionRepository) Get(ctx context.Context, parentName, name string) (*models.VersionRow, error) {
	query := `
		SELECT id, parent_name, name, release_date, payload, created_at, updated_at
		FROM versions
		WHERE parent_name = $1 AND name = $2
	`

	row := &models.VersionRow{}
	err := r.db.QueryRowContext(ctx, query, parentName, name).Scan(
		&row.ID,
		&row.ParentName,
		&row.Name,
		&row.ReleaseDate,
		&row.Payload,
		&row.CreatedAt,
		&row.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	return row, nil
}

// ListByParent retrieves all version rows for one product line, newest first
func (r *VersionRepository) ListByParent(ctx context.Context, parentName string) ([]*models.VersionRow, error) {
	query := `
		SELECT id, parent_name, name, release_date, payload, created_at, updated_at
		FROM versions
		WHERE parent_name = $1
		ORDER BY release_date DESC
	`

	rows, err := r.db.QueryContext(ctx, query, parentName)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	return scanVersionRows(rows)
}

// ListAll retrieves every stored version row across all product lines. The
// store calls this once at startup (and after each write) to rebuild its
// in-memory cache wholesale.
func (r *VersionRepository) ListAll(ctx context.Context) ([]*models.VersionRow, error) {
	query := `
		SELECT id, parent_name, name, release_date, payload, created_at, updated_at
		FROM versions
		ORDER BY parent_name, release_date DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list all versions: %w", err)
	}
	defer rows.Close()

	return scanVersionRows(rows)
}

// UpdatePayload overwrites the JSONB payload of an existing version row. Used
// for property updates (e.g. remembering a chat message id) that do not change
// the version identity.
func (r *VersionRepository) UpdatePayload(ctx context.Context, row *models.VersionRow) error {
	query := `
		UPDATE versions
		SET payload = $1, updated_at = NOW()
		WHERE parent_name = $2 AND name = $3
		RETURNING updated_at
	`

	err := r.db.QueryRowContext(ctx, query, row.Payload, row.ParentName, row.Name).
		Scan(&row.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("version not found: %s/%s", row.ParentName, row.Name)
		}
		return fmt.Errorf("failed to update version payload: %w", err)
	}

	return nil
}

// Delete removes a stored version row
func (r *VersionRepository) Delete(ctx context.Context, parentName, name string) error {
	query := `DELETE FROM versions WHERE parent_name = $1 AND name = $2`

	if _, err := r.db.ExecContext(ctx, query, parentName, name); err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}

	return nil
}

func scanVersionRows(rows *sql.Rows) ([]*models.VersionRow, error) {
	var result []*models.VersionRow
	for rows.Next() {
		row := &models.VersionRow{}
		err := rows.Scan(
			&row.ID,
			&row.ParentName,
			&row.Name,
			&row.ReleaseDate,
			&row.Payload,
			&row.CreatedAt,
			&row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate version rows: %w", err)
	}

	return result, nil
}
