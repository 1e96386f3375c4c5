package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"imagedeid/internal/config"
	"imagedeid/internal/dicommeta"
	"imagedeid/internal/logging"
	"imagedeid/internal/services"
	"imagedeid/internal/sidecar"
)

// SpacingReader locates voxel spacing among an acquisition's DICOM files.
type SpacingReader interface {
	ReadSpacing(ctx context.Context, files []string) (dicommeta.Spacing, error)
}

// Report summarizes the conversion of one acquisition directory.
type Report struct {
	Dir      string
	Attempts int
	// Skipped is set when the directory already held a compressed volume.
	Skipped  bool
	Produced bool
	Enriched bool
	Err      error
}

type attemptState int

const (
	attemptPrimary attemptState = iota
	attemptDecompressed
	attemptDone
)

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(o *Orchestrator) {
		if exec != nil {
			o.exec = exec
		}
	}
}

// WithSpacingReader replaces the header reader used for sidecar enrichment.
func WithSpacingReader(reader SpacingReader) Option {
	return func(o *Orchestrator) {
		if reader != nil {
			o.spacing = reader
		}
	}
}

// Orchestrator converts acquisition directories to compressed NIfTI volumes.
type Orchestrator struct {
	dcm2niix string
	gdcmconv string
	timeout  time.Duration
	exec     Executor
	spacing  SpacingReader
	logger   *slog.Logger
}

// New constructs an orchestrator from conversion settings.
func New(cfg config.Conversion, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	dcm2niix := strings.TrimSpace(cfg.Dcm2niixBinary)
	gdcmconv := strings.TrimSpace(cfg.GdcmconvBinary)
	if dcm2niix == "" || gdcmconv == "" {
		return nil, services.Wrap(services.ErrConfiguration, "conversion", "init", "dcm2niix and gdcmconv binaries required", nil)
	}
	o := &Orchestrator{
		dcm2niix: dcm2niix,
		gdcmconv: gdcmconv,
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		exec:     commandExecutor{},
		logger:   logging.NewComponentLogger(logger, "conversion"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.spacing == nil {
		o.spacing = dicommeta.NewExtractor(nil, logger)
	}
	return o, nil
}

// Convert runs at most two conversion attempts over acqDir. Failures are
// reported on the returned Report rather than aborting the caller.
func (o *Orchestrator) Convert(ctx context.Context, acqDir string) Report {
	rep := Report{Dir: acqDir}
	logger := logging.WithContext(ctx, o.logger).With(logging.String("acquisition", filepath.Base(acqDir)))

	if hasVolume(acqDir) {
		rep.Skipped, rep.Produced = true, true
		logger.Debug("acquisition already converted")
		return rep
	}

	runCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var lastErr error
	for state := attemptPrimary; state != attemptDone; {
		switch state {
		case attemptPrimary:
			rep.Attempts++
			lastErr = o.runDcm2niix(runCtx, logger, acqDir, false)
			if lastErr == nil && hasVolume(acqDir) {
				state = attemptDone
				continue
			}
			logger.Info("primary conversion produced no volume; decompressing",
				logging.Error(lastErr),
				logging.String(logging.FieldEventType, "conversion_retry"),
			)
			state = attemptDecompressed
		case attemptDecompressed:
			if err := o.decompress(runCtx, logger, acqDir); err != nil {
				lastErr = err
			}
			rep.Attempts++
			if err := o.runDcm2niix(runCtx, logger, acqDir, true); err != nil {
				lastErr = err
			}
			state = attemptDone
		}
	}

	rep.Produced = hasVolume(acqDir)
	if !rep.Produced {
		marker := services.ErrExternalTool
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			marker = services.ErrTimeout
		}
		rep.Err = services.Wrap(marker, "conversion", "convert",
			fmt.Sprintf("no volume produced for %s after %d attempts", filepath.Base(acqDir), rep.Attempts), lastErr)
		logging.WarnWithContext(logger, "acquisition conversion failed", "conversion_failed",
			logging.Int("attempts", rep.Attempts),
			logging.Error(rep.Err),
			logging.String(logging.FieldErrorHint, "inspect the source DICOMs for unsupported compression"),
			logging.String(logging.FieldImpact, "acquisition will be discarded during restructuring"),
		)
		return rep
	}

	rep.Enriched = o.enrich(runCtx, logger, acqDir)
	logger.Info("acquisition converted",
		logging.Int("attempts", rep.Attempts),
		logging.Bool("enriched", rep.Enriched),
	)
	return rep
}

func (o *Orchestrator) runDcm2niix(ctx context.Context, logger *slog.Logger, dir string, overwrite bool) error {
	args := make([]string, 0, 14)
	if overwrite {
		args = append(args, "-w", "1")
	}
	args = append(args, "-b", "y", "-ba", "y", "-f", "%d", "-p", "y", "-z", "y", "-v", "0", dir)
	return o.exec.Run(ctx, o.dcm2niix, args, toolOutput(logger, "dcm2niix"))
}

func (o *Orchestrator) decompress(ctx context.Context, logger *slog.Logger, dir string) error {
	files, err := dicommeta.FindFiles(dir)
	if err != nil {
		return fmt.Errorf("list dicom files: %w", err)
	}
	var firstErr error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.exec.Run(ctx, o.gdcmconv, []string{"-w", f, f}, toolOutput(logger, "gdcmconv")); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gdcmconv %s: %w", filepath.Base(f), err)
		}
	}
	return firstErr
}

// enrich writes dim1, dim2 and dim3 into every sidecar in dir. It reports
// whether at least one sidecar was updated.
func (o *Orchestrator) enrich(ctx context.Context, logger *slog.Logger, dir string) bool {
	files, err := dicommeta.FindFiles(dir)
	if err != nil {
		return false
	}
	spacing, err := o.spacing.ReadSpacing(ctx, files)
	if err != nil {
		logger.Debug("voxel spacing unavailable; sidecars left as written", logging.Error(err))
		return false
	}
	sidecars, err := sidecar.List(dir)
	if err != nil {
		return false
	}
	updated := 0
	for _, path := range sidecars {
		fields, err := sidecar.Read(path)
		if err != nil {
			logger.Debug("sidecar unreadable; enrichment skipped", logging.String("sidecar", filepath.Base(path)), logging.Error(err))
			continue
		}
		fields["dim1"] = spacing.Row
		fields["dim2"] = spacing.Column
		fields["dim3"] = spacing.Slice
		if err := sidecar.Write(path, fields); err != nil {
			logger.Debug("sidecar rewrite failed", logging.String("sidecar", filepath.Base(path)), logging.Error(err))
			continue
		}
		updated++
	}
	return updated > 0
}

func toolOutput(logger *slog.Logger, tool string) func(string) {
	return func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			logger.Debug(line, logging.String("tool", tool))
		}
	}
}

func hasVolume(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(globEscape(dir), "*.nii.gz"))
	return err == nil && len(matches) > 0
}

func globEscape(path string) string {
	return strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`).Replace(path)
}

// ConvertAll converts acqDirs in order. A cancelled context stops the loop
// and the reports gathered so far are returned with the context error.
func (o *Orchestrator) ConvertAll(ctx context.Context, acqDirs []string) ([]Report, error) {
	reports := make([]Report, 0, len(acqDirs))
	for _, dir := range acqDirs {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, o.Convert(ctx, dir))
	}
	return reports, nil
}
