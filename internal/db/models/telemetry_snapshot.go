package models

import (
	"encoding/json"
	"time"
)

// TelemetrySnapshotRow is the telemetry_snapshots table row. Each flush cycle
// writes one row holding the complete aggregate state as JSONB; the newest row
// is the authoritative state restored on startup.
type TelemetrySnapshotRow struct {
	ID       int64           `json:"id" db:"id"`
	Snapshot json.RawMessage `json:"snapshot" db:"snapshot"`
	TakenAt  time.Time       `json:"taken_at" db:"taken_at"`
}
