package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"imagedeid/internal/services"
)

// Unzip extracts zipPath into destDir and returns the number of files
// written. Entries that would land outside destDir are rejected before
// anything is written; symlinks are skipped.
func Unzip(zipPath, destDir string) (int, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "archive", "unzip", "open study archive", err)
	}
	defer reader.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return 0, fmt.Errorf("resolve destination: %w", err)
	}
	targets := make([]string, len(reader.File))
	for i, f := range reader.File {
		target, err := entryTarget(root, f.Name)
		if err != nil {
			return 0, err
		}
		targets[i] = target
	}

	written := 0
	for i, f := range reader.File {
		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			continue
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(targets[i], 0o755); err != nil {
				return written, fmt.Errorf("create directory: %w", err)
			}
			continue
		}
		if err := extractFile(f, targets[i]); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func entryTarget(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", services.Wrap(services.ErrValidation, "archive", "unzip", fmt.Sprintf("entry %q escapes destination", name), nil)
	}
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", services.Wrap(services.ErrValidation, "archive", "unzip", fmt.Sprintf("entry %q escapes destination", name), nil)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(target), err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extract %s: %w", filepath.Base(target), err)
	}
	return dst.Close()
}
