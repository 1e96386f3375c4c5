package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"imagedeid/internal/services"
)

// LoadDiagnosisMap reads a flat diagnosis to collection document. The format
// follows the file extension: .json, .yaml/.yml, or .toml.
func LoadDiagnosisMap(path string) (DiagnosisMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "project", "load diagnosis map", path, err)
	}

	raw := map[string]string{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "project", "load diagnosis map",
			fmt.Sprintf("unsupported extension %q (use .json, .yaml, or .toml)", ext), nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "project", "load diagnosis map", "parse "+path, err)
	}

	table := make(DiagnosisMap, len(raw))
	for diagnosis, collection := range raw {
		table[strings.TrimSpace(diagnosis)] = strings.TrimSpace(collection)
	}
	return table, nil
}

// ResolveDiagnosisMap returns the file-backed map when path is set, otherwise
// the inline table from configuration.
func ResolveDiagnosisMap(path string, inline map[string]string) (DiagnosisMap, error) {
	if strings.TrimSpace(path) != "" {
		return LoadDiagnosisMap(path)
	}
	if len(inline) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "project", "diagnosis map",
			"no diagnosis map configured (set paths.diagnosis_map or [projects.diagnosis_map])", nil)
	}
	return DiagnosisMap(inline), nil
}
