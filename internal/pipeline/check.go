package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"imagedeid/internal/config"
	"imagedeid/internal/logging"
	"imagedeid/internal/report"
	"imagedeid/internal/services"
)

// StatusReady marks a session Validate fully resolved.
const StatusReady services.StudyStatus = "ready"

// Check lists archive studies that are not yet in the ledger, in archive
// order. A positive limit caps the result.
func (r *Runner) Check(ctx context.Context, limit int) ([]string, error) {
	if err := r.requireArchive(); err != nil {
		return nil, err
	}
	ids, err := r.archive.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	processed, err := r.ledger.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(processed))
	for _, id := range processed {
		done[id] = struct{}{}
	}

	var pending []string
	for _, id := range ids {
		if _, ok := done[strings.TrimSpace(id)]; ok {
			continue
		}
		pending = append(pending, id)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	logging.WithContext(ctx, r.logger).Info("archive checked",
		logging.Int("archive_studies", len(ids)),
		logging.Int("processed", len(processed)),
		logging.Int("pending", len(pending)),
	)
	return pending, nil
}

// Validate resolves identity, session labels, and collections for studies
// already present in the workspace and writes the review tables. Nothing is
// fetched, pruned, converted, or moved, and the ledger is not touched.
func (r *Runner) Validate(ctx context.Context, req Request) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ws := r.cfg.Workspace(req.Program, req.Site)
	if err := os.MkdirAll(ws.ReportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	lock, err := lockWorkspace(ws)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	runID := uuid.NewString()
	ctx = services.WithRequestID(ctx, runID)

	resolver, err := r.newResolver(req.OverridePath)
	if err != nil {
		return nil, err
	}

	var studies []*study
	if r.source(req) == config.SourceArchive && len(req.StudyIDs) > 0 {
		for _, id := range req.StudyIDs {
			found, err := scan(filepath.Join(ws.DICOMDir, id))
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				s := &study{result: StudyResult{StudyID: id}}
				s.finish(services.StatusEmpty, nil)
				s.result.Detail = "study not present in workspace"
				studies = append(studies, s)
				continue
			}
			for _, s := range found {
				s.result.StudyID = id
			}
			studies = append(studies, found...)
		}
	} else {
		if studies, err = scan(ws.DICOMDir); err != nil {
			return nil, err
		}
	}

	summary := &Summary{RunID: runID}
	if summary.Reports, err = r.resolveAll(ctx, resolver, report.NewWriter(ws.ReportDir, r.now), studies); err != nil {
		return nil, err
	}
	for _, s := range studies {
		if !s.done {
			s.result.Status = StatusReady
		}
		summary.Results = append(summary.Results, s.result)
	}
	return summary, nil
}
