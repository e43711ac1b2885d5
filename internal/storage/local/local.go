// Package local implements the filesystem mirror backend. It copies archived
// files into a second directory tree, typically a mounted backup volume.
// Single-node only; use the s3 backend when the replica must live off the
// host.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/storage"
)

func init() {
	storage.Register("local", func(cfg *config.MirrorConfig) (storage.Mirror, error) {
		return New(cfg.Local.BasePath)
	})
}

// LocalMirror implements the Mirror interface on a local directory tree.
type LocalMirror struct {
	basePath string
}

// New creates a filesystem mirror rooted at basePath.
func New(basePath string) (*LocalMirror, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	return &LocalMirror{basePath: basePath}, nil
}

// Upload copies the content of reader to basePath/key.
func (m *LocalMirror) Upload(_ context.Context, key string, reader io.Reader) (*storage.UploadResult, error) {
	fullPath := filepath.Join(m.basePath, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), reader)
	if err != nil {
		_ = os.Remove(fullPath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &storage.UploadResult{
		Key:      key,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Exists reports whether a regular file is present under key.
func (m *LocalMirror) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(filepath.Join(m.basePath, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}

	return info.Mode().IsRegular(), nil
}

// Delete removes the file under key and prunes empty parent directories.
func (m *LocalMirror) Delete(_ context.Context, key string) error {
	fullPath := filepath.Join(m.basePath, filepath.FromSlash(key))

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Best effort: stop at the first non-empty directory.
	dir := filepath.Dir(fullPath)
	for dir != m.basePath {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}

	return nil
}
