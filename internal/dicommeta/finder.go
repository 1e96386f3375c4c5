package dicommeta

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// magicOffset is where the "DICM" preamble marker lives in a Part 10 file.
const magicOffset = 128

// FindFiles returns the DICOM files under dir in lexical path order. A file
// qualifies when it has a .dcm extension or carries the DICM marker.
// Hidden files and directories are skipped.
func FindFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if IsDICOM(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// IsDICOM reports whether path looks like a DICOM file.
func IsDICOM(path string) bool {
	if strings.EqualFold(filepath.Ext(path), ".dcm") {
		return true
	}
	return hasMagic(path)
}

func hasMagic(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	header := make([]byte, magicOffset+4)
	if _, err := io.ReadFull(file, header); err != nil {
		return false
	}
	return string(header[magicOffset:]) == "DICM"
}
