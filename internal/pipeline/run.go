package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"imagedeid/internal/archive"
	"imagedeid/internal/config"
	"imagedeid/internal/layout"
	"imagedeid/internal/ledger"
	"imagedeid/internal/logging"
	"imagedeid/internal/project"
	"imagedeid/internal/registry"
	"imagedeid/internal/report"
	"imagedeid/internal/restructure"
	"imagedeid/internal/services"
	"imagedeid/internal/session"
)

// ErrWorkspaceBusy is returned when another run holds the workspace lock.
var ErrWorkspaceBusy = errors.New("workspace is locked by another run")

// study tracks one session through the run. done is set once the session
// has a terminal status.
type study struct {
	root       string
	dir        restructure.SessionDir
	result     StudyResult
	label      session.Result
	mapping    registry.Mapping
	assignment project.Assignment
	done       bool
}

func (s *study) finish(status services.StudyStatus, err error) {
	s.result.Status = status
	s.result.Err = err
	if err != nil {
		s.result.Detail = err.Error()
	}
	s.done = true
}

func (s *study) context(ctx context.Context) context.Context {
	id := s.result.StudyID
	if id == "" {
		id = s.result.Accession
	}
	if id == "" {
		return ctx
	}
	return services.WithStudyID(ctx, id)
}

// Run processes the requested studies inside the program/site workspace.
// Per-study problems are reported in the summary; the returned error is
// reserved for problems that stop the whole run.
func (r *Runner) Run(ctx context.Context, req Request) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ws := r.cfg.Workspace(req.Program, req.Site)
	if err := ws.EnsureWorkspace(); err != nil {
		return nil, err
	}

	lock, err := lockWorkspace(ws)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	runID := uuid.NewString()
	ctx = services.WithRequestID(ctx, runID)
	logger := logging.WithContext(ctx, r.logger)

	resolver, err := r.newResolver(req.OverridePath)
	if err != nil {
		return nil, err
	}

	source := r.source(req)
	logger.Info("run started",
		logging.String("workspace", ws.Root),
		logging.String("source", source),
		logging.Int("requested_studies", len(req.StudyIDs)),
	)

	var studies []*study
	switch source {
	case config.SourceArchive:
		studies, err = r.fetchStudies(ctx, ws, req)
	default:
		studies, err = r.prepare(ctx, ws.DICOMDir)
	}
	if err != nil {
		return nil, err
	}

	summary := &Summary{RunID: runID}
	summary.Reports, err = r.resolveAll(ctx, resolver, report.NewWriter(ws.ReportDir, r.now), studies)
	if err != nil {
		return nil, err
	}

	placer := restructure.New(r.cfg.Restructure, ws.OutputDir, ws.QuarantineDir, r.logger)
	for _, s := range studies {
		if s.done {
			continue
		}
		r.place(s.context(ctx), placer, s)
	}
	if renamed, err := restructure.StripDiffusionDates(ws.OutputDir, r.cfg.Restructure.DiffusionTimezones); err != nil {
		logging.WarnWithContext(logger, "diffusion date cleanup failed", "diffusion_rename_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "rename the affected acquisitions by hand"),
			logging.String(logging.FieldImpact, "some acquisition names keep their timestamp"),
		)
	} else if renamed > 0 {
		logger.Info("diffusion acquisition names cleaned", logging.Int("renamed", renamed))
	}

	r.tidyInput(ctx, studies)

	if source == config.SourceArchive {
		r.recordProcessed(ctx, studies)
	}

	for _, s := range studies {
		summary.Results = append(summary.Results, s.result)
	}
	logger.Info("run finished",
		logging.Int("sessions", len(summary.Results)),
		logging.Int("blocked", summary.Blocked()),
		logging.Int("failed", summary.Failed()),
	)
	return summary, nil
}

func lockWorkspace(ws config.Workspace) (*flock.Flock, error) {
	lock := flock.New(ws.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceBusy, ws.Root)
	}
	return lock, nil
}

func (r *Runner) source(req Request) string {
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if source == "" {
		source = r.cfg.Run.Source
	}
	return source
}

func (r *Runner) newResolver(overridePath string) (*registry.Resolver, error) {
	opts := []registry.ResolverOption{registry.WithPadWidth(r.cfg.Identity.MRNPadWidth)}
	if path := strings.TrimSpace(overridePath); path != "" {
		overrides, err := registry.LoadOverrides(path)
		if err != nil {
			return nil, err
		}
		r.logger.Info("subject mapping overrides loaded",
			logging.String("path", path),
			logging.Int("entries", overrides.Len()),
		)
		opts = append(opts, registry.WithOverrides(overrides))
	}
	return registry.NewResolver(r.snapshot, r.logger, opts...), nil
}

// fetchStudies downloads each requested study into DICOMs/{id}, prunes it,
// and lists its sessions. Skipped, empty, and unfetchable studies are
// returned already finished.
func (r *Runner) fetchStudies(ctx context.Context, ws config.Workspace, req Request) ([]*study, error) {
	if err := r.requireArchive(); err != nil {
		return nil, err
	}
	ids := req.StudyIDs
	explicit := len(ids) > 0
	if !explicit {
		pending, err := r.Check(ctx, 0)
		if err != nil {
			return nil, err
		}
		ids = pending
	}
	skip := r.cfg.Archive.SkipModalities
	if req.SkipModalities != nil {
		skip = req.SkipModalities
	}

	var studies []*study
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sctx := services.WithStudyID(ctx, id)
		logger := logging.WithContext(sctx, r.logger)
		placeholder := &study{result: StudyResult{StudyID: id}}
		if explicit {
			r.noteRecorded(sctx, id)
		}

		series, err := r.archive.SeriesMetadata(sctx, id)
		if err != nil {
			placeholder.finish(services.StatusFailed, err)
			studies = append(studies, placeholder)
			continue
		}
		if modality, skipped := archive.ShouldSkip(series, skip); skipped {
			logger.Info("study skipped by modality",
				logging.Args(logging.DecisionAttrs("modality_skip", "skipped", modality)...)...)
			placeholder.finish(services.StatusSkipped, nil)
			placeholder.result.Detail = "modality " + modality
			studies = append(studies, placeholder)
			continue
		}
		root := filepath.Join(ws.DICOMDir, id)
		if _, err := r.archive.FetchStudy(sctx, id, root); err != nil {
			placeholder.finish(services.StatusFailed, err)
			studies = append(studies, placeholder)
			continue
		}
		sessions, err := r.prepare(sctx, root)
		if err != nil {
			placeholder.finish(services.StatusFailed, err)
			studies = append(studies, placeholder)
			continue
		}
		if len(sessions) == 0 {
			placeholder.finish(services.StatusEmpty, nil)
			studies = append(studies, placeholder)
			continue
		}
		for _, s := range sessions {
			s.result.StudyID = id
			studies = append(studies, s)
		}
	}
	return studies, nil
}

// noteRecorded logs when an explicitly requested study is already in the
// ledger. The study is processed again either way.
func (r *Runner) noteRecorded(ctx context.Context, id string) {
	logger := logging.WithContext(ctx, r.logger)
	recorded, err := r.ledger.Contains(ctx, id)
	if err != nil {
		logger.Debug("ledger lookup failed", logging.Error(err))
		return
	}
	if recorded {
		logger.Info("study already recorded; processing again",
			logging.String(logging.FieldEventType, "ledger_reprocess"))
	}
}

// prepare prunes unwanted modalities and sessions below root and lists the
// remaining sessions.
func (r *Runner) prepare(ctx context.Context, root string) ([]*study, error) {
	logger := logging.WithContext(ctx, r.logger)
	acqs, err := restructure.PruneModalities(root, r.cfg.Restructure.PruneModalities, r.extractor)
	if err != nil {
		return nil, err
	}
	sessions, err := restructure.PruneSessions(root, r.cfg.Restructure.PruneSessionKeywords)
	if err != nil {
		return nil, err
	}
	if acqs > 0 || sessions > 0 {
		logger.Info("input tree pruned",
			logging.Int("acquisitions_removed", acqs),
			logging.Int("sessions_removed", sessions),
		)
	}
	return scan(root)
}

func scan(root string) ([]*study, error) {
	dirs, err := restructure.ScanSessions(root)
	if err != nil {
		return nil, err
	}
	studies := make([]*study, 0, len(dirs))
	for _, d := range dirs {
		s := &study{root: root, dir: d, result: StudyResult{Accession: d.Subject.Accession}}
		if d.Err != nil {
			s.finish(services.StatusFailed, d.Err)
		}
		studies = append(studies, s)
	}
	return studies, nil
}

// tidyInput removes input sessions left empty once their acquisitions were
// placed or discarded.
func (r *Runner) tidyInput(ctx context.Context, studies []*study) {
	seen := make(map[string]bool)
	for _, s := range studies {
		if s.root == "" || seen[s.root] {
			continue
		}
		seen[s.root] = true
		if err := layout.NewInputTree(s.root).RemoveEmpty(layout.KindSession); err != nil {
			logging.WarnWithContext(logging.WithContext(ctx, r.logger), "input cleanup failed", "input_cleanup_failed",
				logging.String("root", s.root),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the empty session directories by hand"),
				logging.String(logging.FieldImpact, "empty directories stay in the input tree"),
			)
		}
	}
}

func (r *Runner) recordProcessed(ctx context.Context, studies []*study) {
	complete := make(map[string]bool)
	var order []string
	for _, s := range studies {
		id := s.result.StudyID
		if id == "" {
			continue
		}
		if _, seen := complete[id]; !seen {
			order = append(order, id)
			complete[id] = true
		}
		switch s.result.Status {
		case services.StatusPlaced, services.StatusPartiallyQuarantined, services.StatusEmpty, services.StatusSkipped:
		default:
			complete[id] = false
		}
	}

	outcomes := make(map[string]string, len(order))
	for _, id := range order {
		if !complete[id] {
			continue
		}
		logger := logging.WithContext(services.WithStudyID(ctx, id), r.logger)
		outcome, err := r.ledger.InsertIfAbsent(ctx, id)
		if err != nil {
			logging.ErrorWithContext(logger, "ledger insert failed", "ledger_insert_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "record the study with import-ledger"),
				logging.String(logging.FieldImpact, "study may be offered again by check"),
			)
			outcomes[id] = "error"
			continue
		}
		logLedgerOutcome(logger, outcome)
		outcomes[id] = outcome.String()
	}
	for _, s := range studies {
		if v, ok := outcomes[s.result.StudyID]; ok {
			s.result.Ledger = v
		}
	}
}

func logLedgerOutcome(logger *slog.Logger, outcome ledger.Outcome) {
	if outcome == ledger.Conflict {
		logger.Info("study already recorded in ledger",
			logging.String(logging.FieldEventType, "ledger_conflict"))
		return
	}
	logger.Info("study recorded in ledger",
		logging.String(logging.FieldEventType, "ledger_inserted"))
}
