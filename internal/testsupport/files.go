package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0x42
	}
	WriteText(t, path, string(buf))
}

// WriteText writes contents to path, creating parent directories.
func WriteText(t testing.TB, path, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteSidecar writes a JSON sidecar holding fields.
func WriteSidecar(t testing.TB, path string, fields map[string]any) {
	t.Helper()

	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		t.Fatalf("marshal sidecar %s: %v", path, err)
	}
	WriteText(t, path, string(data))
}

// SidecarWithFields returns a sidecar map with n placeholder fields plus
// SeriesDescription and Modality.
func SidecarWithFields(n int, description, modality string) map[string]any {
	fields := map[string]any{
		"SeriesDescription": description,
		"Modality":          modality,
	}
	for i := len(fields); i < n; i++ {
		fields["Field"+string(rune('A'+i%26))+string(rune('a'+i/26))] = i
	}
	return fields
}
