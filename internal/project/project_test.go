package project_test

import (
	"errors"
	"path/filepath"
	"testing"

	"imagedeid/internal/config"
	"imagedeid/internal/project"
	"imagedeid/internal/registry"
	"imagedeid/internal/services"
	"imagedeid/internal/testsupport"
)

var table = project.DiagnosisMap{
	"Not Reported":                       "Not_Reported",
	"Medulloblastoma":                    "Medulloblastoma",
	"Ependymoma":                         "Ependymoma",
	"Supratentorial or Spinal Cord PNET": "PNET",
	"Low-grade glioma":                   "LGG",
}

func assigner() *project.Assigner {
	return project.FromConfig(config.Default().Projects, table, nil)
}

func row(diag string, age int) registry.DiagnosisRow {
	return registry.DiagnosisRow{Diagnosis: diag, AgeAtDiagnosis: age, AgeKnown: true}
}

func TestAssignRules(t *testing.T) {
	cases := []struct {
		name       string
		age        int
		rows       []registry.DiagnosisRow
		collection string
		reason     string
	}{
		{"only dropped labels", 100, []registry.DiagnosisRow{row("Not Reported", 1), row("Other", 2)}, "Not_Reported", project.ReasonNotReported},
		{"single label repeated", 100, []registry.DiagnosisRow{row("Ependymoma", 1), row("Ependymoma", 900)}, "Ependymoma", project.ReasonSingle},
		{"catch-all dropped when others remain", 100, []registry.DiagnosisRow{row("Supratentorial or Spinal Cord PNET", 100), row("Medulloblastoma", 5000)}, "Medulloblastoma", project.ReasonSingle},
		{"catch-all alone kept", 100, []registry.DiagnosisRow{row("Supratentorial or Spinal Cord PNET", 100), row("Other", 100)}, "PNET", project.ReasonSingle},
		{"nearest age", 1000, []registry.DiagnosisRow{row("Medulloblastoma", 200), row("Low-grade glioma", 1100), row("Ependymoma", 3000)}, "LGG", project.ReasonNearestAge},
		{"tie goes to first", 500, []registry.DiagnosisRow{row("Ependymoma", 400), row("Medulloblastoma", 600)}, "Ependymoma", project.ReasonTie},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := assigner().Assign("C1", tc.age, tc.rows)
			if err != nil {
				t.Fatalf("Assign: %v", err)
			}
			if got.Collection != tc.collection || got.Reason != tc.reason {
				t.Fatalf("got %s/%s, want %s/%s", got.Collection, got.Reason, tc.collection, tc.reason)
			}
		})
	}
}

func TestAssignMissingInRegistry(t *testing.T) {
	_, err := assigner().Assign("C1", 10, nil)
	if !errors.Is(err, project.ErrMissingInRegistry) {
		t.Fatalf("expected ErrMissingInRegistry, got %v", err)
	}
	if services.FailureStatus(err) != services.StatusBlockedProject {
		t.Fatalf("unexpected status %s", services.FailureStatus(err))
	}
}

func TestAssignUnmappedDiagnosis(t *testing.T) {
	_, err := assigner().Assign("C1", 10, []registry.DiagnosisRow{row("Chordoma", 10)})
	if !errors.Is(err, project.ErrUnmappedDiagnosis) || !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected unmapped configuration error, got %v", err)
	}
}

func TestLoadDiagnosisMapFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"map.json": `{"Ependymoma": "EPN", " Other ": "OTH"}`,
		"map.yaml": "Ependymoma: EPN\nOther: OTH\n",
		"map.toml": "Ependymoma = \"EPN\"\nOther = \"OTH\"\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			testsupport.WriteText(t, path, body)
			m, err := project.LoadDiagnosisMap(path)
			if err != nil {
				t.Fatalf("LoadDiagnosisMap: %v", err)
			}
			if m["Ependymoma"] != "EPN" || m["Other"] != "OTH" {
				t.Fatalf("unexpected map %v", m)
			}
		})
	}

	bad := filepath.Join(dir, "map.ini")
	testsupport.WriteText(t, bad, "x=y")
	if _, err := project.LoadDiagnosisMap(bad); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for .ini, got %v", err)
	}
}

func TestResolveDiagnosisMapPrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	testsupport.WriteText(t, path, `{"A": "file"}`)
	m, err := project.ResolveDiagnosisMap(path, map[string]string{"A": "inline"})
	if err != nil || m["A"] != "file" {
		t.Fatalf("expected file map, got %v (err=%v)", m, err)
	}
	m, err = project.ResolveDiagnosisMap("", map[string]string{"A": "inline"})
	if err != nil || m["A"] != "inline" {
		t.Fatalf("expected inline map, got %v (err=%v)", m, err)
	}
	if _, err := project.ResolveDiagnosisMap("", nil); err == nil {
		t.Fatal("expected error with no map configured")
	}
}
