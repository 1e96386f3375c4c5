package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and input file locations.
type Paths struct {
	WorkRoot     string `toml:"work_root"`
	StateDir     string `toml:"state_dir"`
	RegistryCSV  string `toml:"registry_csv"`
	DiagnosisMap string `toml:"diagnosis_map"`
}

// Run contains the default program/site namespace and study source.
type Run struct {
	Program string `toml:"program"`
	Site    string `toml:"site"`
	Source  string `toml:"source"`
}

// Archive contains connection settings for the Orthanc image archive.
type Archive struct {
	URL            string   `toml:"url"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	SkipModalities []string `toml:"skip_modalities"`
}

// RegistryColumns names the registry snapshot columns.
type RegistryColumns struct {
	SubjectID      string `toml:"subject_id"`
	MRN            string `toml:"mrn"`
	FirstName      string `toml:"first_name"`
	LastName       string `toml:"last_name"`
	DOB            string `toml:"dob"`
	Diagnosis      string `toml:"diagnosis"`
	AgeAtDiagnosis string `toml:"age_at_diagnosis"`
}

// Registry contains configuration for reading the subject registry snapshot.
type Registry struct {
	Columns RegistryColumns `toml:"columns"`
}

// Identity contains settings for identity resolution and session labelling.
type Identity struct {
	// DescriptionPriority lists the description fields tried for the region
	// tag, in order. Valid values: performed, study, requested.
	DescriptionPriority []string `toml:"description_priority"`
	// SentinelDOB is a placeholder birth date (YYYYMMDD) treated as missing.
	SentinelDOB string `toml:"sentinel_dob"`
	// MRNPadWidth is the zero-padded width used for archive patient lookups.
	MRNPadWidth int `toml:"mrn_pad_width"`
}

// Region is one row of the body-region keyword table.
type Region struct {
	Tag      string   `toml:"tag"`
	Name     string   `toml:"name"`
	Keywords []string `toml:"keywords"`
}

// Classifier contains the ordered body-region keyword table.
type Classifier struct {
	Regions []Region `toml:"regions"`
}

// Projects contains the diagnosis to collection mapping rules.
type Projects struct {
	DiagnosisMap         map[string]string `toml:"diagnosis_map"`
	DropDiagnoses        []string          `toml:"drop_diagnoses"`
	CatchAllDiagnosis    string            `toml:"catch_all_diagnosis"`
	NotReportedDiagnosis string            `toml:"not_reported_diagnosis"`
}

// Restructure contains placement, quarantine, and pruning rules.
type Restructure struct {
	ShortSidecarThreshold  int      `toml:"short_sidecar_threshold"`
	ShortSidecarExemptions []string `toml:"short_sidecar_exemptions"`
	PHIRiskKeywords        []string `toml:"phi_risk_keywords"`
	SidecarPHIFields       []string `toml:"sidecar_phi_fields"`
	PruneModalities        []string `toml:"prune_modalities"`
	PruneSessionKeywords   []string `toml:"prune_session_keywords"`
	DiffusionTimezones     []string `toml:"diffusion_timezones"`
}

// Conversion contains settings for the external conversion tools.
type Conversion struct {
	Dcm2niixBinary string `toml:"dcm2niix_binary"`
	GdcmconvBinary string `toml:"gdcmconv_binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Notifications contains the ntfy endpoint used for run digests.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for imagedeid.
//
// Configuration sections by subsystem:
//   - Paths: workspace root, state directory, registry and diagnosis map files
//   - Run: default program/site namespace and study source
//   - Archive: Orthanc connection and modality skip list
//   - Registry: registry snapshot column names
//   - Identity: description priority, sentinel DOB, MRN padding
//   - Classifier: body-region keyword table
//   - Projects: diagnosis filtering and collection mapping
//   - Restructure: quarantine, PHI-risk, and pruning rules
//   - Conversion: dcm2niix and gdcmconv invocation
//   - Notifications: ntfy run digests
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Run           Run           `toml:"run"`
	Archive       Archive       `toml:"archive"`
	Registry      Registry      `toml:"registry"`
	Identity      Identity      `toml:"identity"`
	Classifier    Classifier    `toml:"classifier"`
	Projects      Projects      `toml:"projects"`
	Restructure   Restructure   `toml:"restructure"`
	Conversion    Conversion    `toml:"conversion"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// Workspace holds the directories used by one program/site run.
type Workspace struct {
	Root          string
	DICOMDir      string
	OutputDir     string
	QuarantineDir string
	ReportDir     string
	LockPath      string
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/imagedeid/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("imagedeid.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the work root, state, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkRoot, c.Paths.StateDir, c.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LogDir returns the directory holding run logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.Paths.StateDir, "logs")
}

// LedgerPath returns the SQLite ledger database location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "ledger.db")
}

// Workspace returns the directory layout for the given program and site,
// falling back to the configured defaults when either is empty.
func (c *Config) Workspace(program, site string) Workspace {
	program = strings.TrimSpace(program)
	if program == "" {
		program = c.Run.Program
	}
	site = strings.TrimSpace(site)
	if site == "" {
		site = c.Run.Site
	}
	root := filepath.Join(c.Paths.WorkRoot, program, site)
	return Workspace{
		Root:          root,
		DICOMDir:      filepath.Join(root, "DICOMs"),
		OutputDir:     filepath.Join(root, "NIfTIs"),
		QuarantineDir: filepath.Join(root, "NIfTIs_short_json"),
		ReportDir:     filepath.Join(root, "files"),
		LockPath:      filepath.Join(root, ".run.lock"),
	}
}

// EnsureWorkspace creates the workspace directories for a run.
func (w Workspace) EnsureWorkspace() error {
	for _, dir := range []string{w.Root, w.DICOMDir, w.ReportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
