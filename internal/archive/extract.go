// extract.go implements zip extraction with mandatory containment checks.
// Every entry is validated before anything is written, so a malicious archive
// cannot leave a partially extracted tree behind.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractionSecurityError reports a zip entry whose resolved destination
// escapes the extraction root (zip-slip). The whole extraction is aborted;
// the offending entry is never silently skipped.
type ExtractionSecurityError struct {
	Entry string
}

func (e *ExtractionSecurityError) Error() string {
	return fmt.Sprintf("zip entry %q resolves outside the extraction root", e.Entry)
}

// SecureUnzip extracts the zip archive at zipPath into destDir. All entry
// paths are validated up front; if any entry would resolve outside destDir
// the function returns an *ExtractionSecurityError and writes nothing.
func SecureUnzip(zipPath, destDir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	// Validate every entry before extracting anything.
	for _, entry := range reader.File {
		if _, err := secureJoin(destDir, entry.Name); err != nil {
			return err
		}
		// Symlinks could be used to redirect later entries outside the root.
		if entry.Mode()&os.ModeSymlink != 0 {
			return &ExtractionSecurityError{Entry: entry.Name}
		}
	}

	for _, entry := range reader.File {
		target, err := secureJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		if err := extractEntry(entry, target); err != nil {
			return err
		}
	}

	return nil
}

// secureJoin resolves an archive entry name against root and verifies the
// result is still lexically contained within it.
func secureJoin(root, entryName string) (string, error) {
	name := filepath.FromSlash(entryName)
	if filepath.IsAbs(name) {
		return "", &ExtractionSecurityError{Entry: entryName}
	}
	// Windows-style absolute paths (C:\...) inside archives built elsewhere.
	if len(name) >= 3 && name[1] == ':' && (name[2] == '\\' || name[2] == '/') {
		return "", &ExtractionSecurityError{Entry: entryName}
	}

	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", &ExtractionSecurityError{Entry: entryName}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ExtractionSecurityError{Entry: entryName}
	}
	return target, nil
}

func extractEntry(entry *zip.File, target string) error {
	if entry.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", target, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", target, err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to extract %s: %w", entry.Name, err)
	}

	return nil
}
