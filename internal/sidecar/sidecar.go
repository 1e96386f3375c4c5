// Package sidecar reads and rewrites the JSON metadata files dcm2niix writes
// next to each converted volume.
package sidecar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// InvalidNameMarker appears in sidecar names dcm2niix could not derive from
// the series description. Such files are never chosen as the primary sidecar.
const InvalidNameMarker = "dcm2nii_invalidName"

// Fields is a decoded sidecar. Numbers are kept as json.Number so rewriting a
// sidecar does not change their formatting.
type Fields map[string]any

// Read decodes the sidecar at path.
func Read(path string) (Fields, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	fields := Fields{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	return fields, nil
}

// Write encodes fields to path, replacing the existing file atomically.
func Write(path string, fields Fields) error {
	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace sidecar %s: %w", path, err)
	}
	return nil
}

// String returns a string field, or "" when absent or not a string.
func (f Fields) String(key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

// Remove deletes keys and reports how many were present.
func (f Fields) Remove(keys ...string) int {
	removed := 0
	for _, k := range keys {
		if _, ok := f[k]; ok {
			delete(f, k)
			removed++
		}
	}
	return removed
}

// List returns the JSON files directly inside dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Primary returns the first sidecar in dir whose name does not carry the
// invalid-name marker. ok is false when there is none.
func Primary(dir string) (string, bool, error) {
	files, err := List(dir)
	if err != nil {
		return "", false, err
	}
	for _, f := range files {
		if strings.Contains(filepath.Base(f), InvalidNameMarker) {
			continue
		}
		return f, true, nil
	}
	return "", false, nil
}
