// Package models - version.go defines the database row shapes for persisted
// release versions and telemetry snapshots.
package models

import (
	"encoding/json"
	"time"
)

// VersionRow is the versions table row. The full version document (files,
// commit info, file mappings, properties) is stored as a JSONB payload;
// parent_name, name, and release_date are lifted into columns so listing and
// latest-version queries do not have to parse JSON.
type VersionRow struct {
	ID          int64           `json:"id"`
	ParentName  string          `json:"parent_name"`
	Name        string          `json:"name"`
	ReleaseDate time.Time       `json:"release_date"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
