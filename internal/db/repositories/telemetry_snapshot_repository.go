// telemetry_snapshot_repository.go implements TelemetrySnapshotRepository,
// persisting and restoring the aggregated client telemetry state.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cloudnetservice/updateserver/internal/db/models"
)

// TelemetrySnapshotRepository handles database operations for telemetry snapshots
type TelemetrySnapshotRepository struct {
	db *sqlx.DB
}

// NewTelemetrySnapshotRepository creates a new telemetry snapshot repository
func NewTelemetrySnapshotRepository(db *sqlx.DB) *TelemetrySnapshotRepository {
	return &TelemetrySnapshotRepository{db: db}
}

// Save writes one snapshot row and prunes older rows. Only the newest row is
// ever read back, so the table is kept at a single row instead of growing
// unbounded.
func (r *TelemetrySnapshotRepository) Save(ctx context.Context, row *models.TelemetrySnapshotRow) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO telemetry_snapshots (snapshot)
		VALUES ($1)
		RETURNING id, taken_at
	`
	if err := tx.QueryRowContext(ctx, insertQuery, row.Snapshot).Scan(&row.ID, &row.TakenAt); err != nil {
		return fmt.Errorf("failed to insert telemetry snapshot: %w", err)
	}

	pruneQuery := `DELETE FROM telemetry_snapshots WHERE id < $1`
	if _, err := tx.ExecContext(ctx, pruneQuery, row.ID); err != nil {
		return fmt.Errorf("failed to prune telemetry snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit telemetry snapshot: %w", err)
	}

	return nil
}

// Latest retrieves the newest snapshot row, or nil when none exists yet
func (r *TelemetrySnapshotRepository) Latest(ctx context.Context) (*models.TelemetrySnapshotRow, error) {
	query := `
		SELECT id, snapshot, taken_at
		FROM telemetry_snapshots
		ORDER BY id DESC
		LIMIT 1
	`

	var row models.TelemetrySnapshotRow
	err := r.db.GetContext(ctx, &row, query)
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest telemetry snapshot: %w", err)
	}

	return &row, nil
}
