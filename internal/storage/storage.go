// Package storage defines the Mirror interface for replicating archived
// release files to an off-site location. The archive on local disk stays the
// authoritative copy; a mirror is a best-effort replica used for disaster
// recovery, and mirror failures never fail an install.
//
// New backends are added by implementing Mirror and registering with the
// factory via an init() function in the backend's own package. The main
// package imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"io"
)

// Mirror replicates archived files to a secondary location.
type Mirror interface {
	// Upload stores the content of reader under the given key. Keys use
	// forward slashes, mirroring the archive layout
	// (versions/<line>/<version>/<file>).
	Upload(ctx context.Context, key string, reader io.Reader) (*UploadResult, error)

	// Exists reports whether an object is present under the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object under the given key. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, key string) error
}

// UploadResult describes a completed mirror upload.
type UploadResult struct {
	Key      string
	Size     int64
	Checksum string
}
