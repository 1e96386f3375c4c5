package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imagedeid/internal/config"
	"imagedeid/internal/conversion"
	"imagedeid/internal/dicommeta"
	"imagedeid/internal/pipeline"
	"imagedeid/internal/testsupport"
)

const testRegistryCSV = `CBTN Subject ID,MRN,First Name,Last Name,DOB,Diagnosis,Age at Diagnosis
C100,00123,Jane,Doe,01/01/2010,Low-grade glioma,1500
`

type cliTestEnv struct {
	cfg        *config.Config
	ws         config.Workspace
	configPath string
	headers    headerReader
	converter  *stubConverter
}

// headerReader serves attributes keyed by the session directory name.
type headerReader map[string]dicommeta.Attributes

func (h headerReader) ReadAttributes(path string) (dicommeta.Attributes, error) {
	attrs, ok := h[filepath.Base(filepath.Dir(filepath.Dir(path)))]
	if !ok {
		return dicommeta.Attributes{}, errors.New("no header")
	}
	return attrs, nil
}

// stubConverter writes a volume and a full sidecar into every acquisition.
type stubConverter struct {
	t     *testing.T
	calls int
}

func (c *stubConverter) convert(acqDir string) conversion.Report {
	c.calls++
	name := strings.Fields(filepath.Base(acqDir))[1]
	fields := testsupport.SidecarWithFields(24, name, "MR")
	fields["SeriesNumber"] = 5
	testsupport.WriteFile(c.t, filepath.Join(acqDir, name+".nii.gz"), 32)
	testsupport.WriteSidecar(c.t, filepath.Join(acqDir, name+".json"), fields)
	return conversion.Report{Dir: acqDir, Attempts: 1, Produced: true}
}

func (c *stubConverter) ConvertAll(_ context.Context, acqDirs []string) ([]conversion.Report, error) {
	reports := make([]conversion.Report, 0, len(acqDirs))
	for _, dir := range acqDirs {
		reports = append(reports, c.convert(dir))
	}
	return reports, nil
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("ORTHANC_HOST", "")
	t.Setenv("ORTHANC_CREDENTIALS", "")
	t.Setenv("SUBJECT_ID_MAPPING_PATH", "")

	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	testsupport.WriteText(t, cfg.Paths.RegistryCSV, testRegistryCSV)

	configPath := filepath.Join(homeDir, ".config", "imagedeid", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, cfg)

	env := &cliTestEnv{
		cfg:        cfg,
		ws:         cfg.Workspace("", ""),
		configPath: configPath,
		headers:    headerReader{},
		converter:  &stubConverter{t: t},
	}
	runnerOptions = []pipeline.Option{
		pipeline.WithDICOMReader(env.headers),
		pipeline.WithConverter(env.converter),
	}
	t.Cleanup(func() { runnerOptions = nil })
	return env
}

func (e *cliTestEnv) addSession(t *testing.T, subject, session, dob, date, description string, acqs ...string) {
	t.Helper()
	f := func(v string) dicommeta.Field {
		return dicommeta.Field{Value: v, Values: []string{v}, Found: true}
	}
	e.headers[session] = dicommeta.Attributes{
		PatientBirthDate: f(dob),
		StudyDate:        f(date),
		AccessionNumber:  f(strings.Fields(session)[0]),
		StudyDescription: f(description),
	}
	for _, acq := range acqs {
		testsupport.WriteFile(t, filepath.Join(e.ws.DICOMDir, subject, session, acq, "IM1.dcm"), 10)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
work_root = %q
state_dir = %q
registry_csv = %q

[run]
source = "local"

[logging]
level = "error"
retention_days = 0

[projects.diagnosis_map]
"Low-grade glioma" = "LGG"
`, cfg.Paths.WorkRoot, cfg.Paths.StateDir, cfg.Paths.RegistryCSV)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
