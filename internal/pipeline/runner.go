package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imagedeid/internal/archive"
	"imagedeid/internal/config"
	"imagedeid/internal/conversion"
	"imagedeid/internal/dicommeta"
	"imagedeid/internal/ledger"
	"imagedeid/internal/logging"
	"imagedeid/internal/project"
	"imagedeid/internal/region"
	"imagedeid/internal/registry"
	"imagedeid/internal/services"
	"imagedeid/internal/session"
)

// Archive is the subset of the archive client the pipeline uses.
type Archive interface {
	ListStudies(ctx context.Context) ([]string, error)
	SeriesMetadata(ctx context.Context, studyID string) ([]archive.Series, error)
	FetchStudy(ctx context.Context, studyID, destDir string) (string, error)
	PatientBirthDate(ctx context.Context, mrn string) (string, error)
}

// Converter converts the acquisition directories of one session.
type Converter interface {
	ConvertAll(ctx context.Context, acqDirs []string) ([]conversion.Report, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithArchive replaces the archive client.
func WithArchive(a Archive) Option {
	return func(r *Runner) {
		if a != nil {
			r.archive = a
		}
	}
}

// WithConverter replaces the conversion orchestrator.
func WithConverter(c Converter) Option {
	return func(r *Runner) {
		if c != nil {
			r.converter = c
		}
	}
}

// WithLedger uses an already open ledger. The Runner does not close it.
func WithLedger(store *ledger.Store) Option {
	return func(r *Runner) {
		if store != nil {
			r.ledger = store
			r.ownsLedger = false
		}
	}
}

// WithDICOMReader replaces the DICOM header reader.
func WithDICOMReader(reader dicommeta.Reader) Option {
	return func(r *Runner) {
		if reader != nil {
			r.extractor = dicommeta.NewExtractor(reader, r.logger)
		}
	}
}

// WithClock replaces the clock used for report names.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner is the per-process context shared by every run.
type Runner struct {
	cfg       *config.Config
	logger    *slog.Logger
	snapshot  *registry.Snapshot
	priority  []session.DescriptionField
	extractor *dicommeta.Extractor
	synth     *session.Synthesizer
	assigner  *project.Assigner
	converter Converter
	archive   Archive
	now       func() time.Time

	ledger     *ledger.Store
	ownsLedger bool
}

// New loads the registry snapshot and diagnosis map and wires the stage
// components. Nothing in the workspace is modified.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("pipeline requires configuration")
	}
	logger = logging.NewComponentLogger(logger, "pipeline")

	snapshot, err := registry.LoadSnapshot(cfg.Paths.RegistryCSV, cfg.Registry.Columns)
	if err != nil {
		return nil, err
	}
	if len(snapshot.Warnings) > 0 {
		logging.WarnWithContext(logger, "registry snapshot has malformed rows", "registry_parse_warnings",
			logging.Int("warnings", len(snapshot.Warnings)),
			logging.Int("first_line", snapshot.Warnings[0].Line),
			logging.String(logging.FieldErrorHint, "review the registry export for column shifts"),
			logging.String(logging.FieldImpact, "affected rows may not match"),
		)
	}
	table, err := project.ResolveDiagnosisMap(cfg.Paths.DiagnosisMap, cfg.Projects.DiagnosisMap)
	if err != nil {
		return nil, err
	}
	priority, err := session.ParseDescriptionFields(cfg.Identity.DescriptionPriority)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "identity.description_priority", err)
	}

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		snapshot:  snapshot,
		priority:  priority,
		extractor: dicommeta.NewExtractor(nil, logger),
		synth:     session.New(region.FromConfig(cfg.Classifier.Regions), cfg.Identity.SentinelDOB),
		assigner:  project.FromConfig(cfg.Projects, table, logger),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.converter == nil {
		conv, err := conversion.New(cfg.Conversion, logger)
		if err != nil {
			return nil, err
		}
		r.converter = conv
	}
	if r.archive == nil && cfg.Archive.URL != "" {
		client, err := archive.New(cfg.Archive, archive.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		r.archive = client
	}
	if r.ledger == nil {
		store, err := ledger.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		r.ledger, r.ownsLedger = store, true
	}
	return r, nil
}

// Close releases the ledger when the Runner opened it.
func (r *Runner) Close() error {
	if r.ownsLedger && r.ledger != nil {
		return r.ledger.Close()
	}
	return nil
}

// Ledger exposes the processed-study ledger.
func (r *Runner) Ledger() *ledger.Store {
	return r.ledger
}

// Snapshot exposes the loaded registry snapshot.
func (r *Runner) Snapshot() *registry.Snapshot {
	return r.snapshot
}

func (r *Runner) requireArchive() error {
	if r.archive == nil {
		return services.Wrap(services.ErrConfiguration, "pipeline", "archive",
			"archive source requested but archive.url is not set", nil)
	}
	return nil
}

func (r *Runner) dobLookup() registry.DOBLookup {
	if r.archive == nil {
		return nil
	}
	return r.archive.PatientBirthDate
}
