package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"imagedeid/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The archive is unset and the study source is local, so nothing reaches the
// network unless a test opts in with WithArchiveURL.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkRoot = filepath.Join(base, "work")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.RegistryCSV = filepath.Join(base, "registry.csv")
	cfgVal.Run.Source = config.SourceLocal
	cfgVal.Archive.URL = ""
	cfgVal.Logging.RetentionDays = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithProgramSite overrides the default run namespace.
func WithProgramSite(program, site string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Run.Program = program
		b.cfg.Run.Site = site
	}
}

// WithArchiveURL points the config at a test archive server and switches the
// study source to archive.
func WithArchiveURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Archive.URL = url
		b.cfg.Run.Source = config.SourceArchive
	}
}

// WithDiagnosisMap installs an inline diagnosis to collection map.
func WithDiagnosisMap(m map[string]string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Projects.DiagnosisMap = m
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, dcm2niix and gdcmconv are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"dcm2niix", "gdcmconv"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}
