package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"imagedeid/internal/layout"
	"imagedeid/internal/logging"
	"imagedeid/internal/restructure"
	"imagedeid/internal/services"
)

// place converts every acquisition of a resolved session, scrubs the
// sidecars, and moves the results into the output tree.
func (r *Runner) place(ctx context.Context, placer *restructure.Restructurer, s *study) {
	acqs, err := layout.Children(s.dir.Node, layout.KindAcquisition)
	if err != nil {
		s.finish(services.StatusFailed, err)
		return
	}
	if len(acqs) == 0 {
		s.finish(services.StatusEmpty, nil)
		return
	}

	dirs := make([]string, len(acqs))
	for i, acq := range acqs {
		dirs[i] = acq.Path()
	}
	cctx := services.WithStage(ctx, "conversion")
	logger := logging.WithContext(cctx, r.logger)
	reports, err := r.converter.ConvertAll(cctx, dirs)
	if err != nil {
		s.finish(services.StatusFailed, err)
		return
	}
	for _, rep := range reports {
		if rep.Err == nil {
			continue
		}
		logging.WarnWithContext(logger, "acquisition produced no volume", "conversion_failed",
			logging.String("acquisition", filepath.Base(rep.Dir)),
			logging.Int("attempts", rep.Attempts),
			logging.Error(rep.Err),
			logging.String(logging.FieldErrorHint, "inspect the source series with dcm2niix by hand"),
			logging.String(logging.FieldImpact, "acquisition will be removed"),
		)
	}
	if n, err := restructure.FilterSidecars(s.dir.Path(), r.cfg.Restructure.SidecarPHIFields); err != nil {
		s.finish(services.StatusFailed, err)
		return
	} else if n > 0 {
		logger.Info("sidecar fields removed", logging.Int("sidecars", n))
	}

	target := restructure.Target{
		Collection: s.assignment.Collection,
		CID:        s.assignment.CID,
		Session:    s.result.SessionLabel,
	}
	pctx := services.WithStage(ctx, "restructure")
	for _, acq := range acqs {
		outcome, _, err := placer.Place(pctx, acq.Path(), target)
		if err != nil {
			s.finish(services.StatusFailed, err)
			return
		}
		switch outcome {
		case restructure.OutcomePlaced:
			s.result.Placed++
		case restructure.OutcomeQuarantined:
			s.result.Quarantined++
		case restructure.OutcomeDeleted:
			s.result.Deleted++
		}
	}

	switch {
	case s.result.Placed == 0 && s.result.Quarantined == 0:
		s.finish(services.StatusFailed, services.Wrap(services.ErrValidation, "restructure", "place",
			fmt.Sprintf("all %d acquisitions were removed", s.result.Deleted), nil))
	case s.result.Quarantined > 0:
		s.finish(services.StatusPartiallyQuarantined, nil)
	default:
		s.finish(services.StatusPlaced, nil)
	}
	logging.WithContext(pctx, r.logger).Info("session restructured",
		logging.String("status", string(s.result.Status)),
		logging.Int("placed", s.result.Placed),
		logging.Int("quarantined", s.result.Quarantined),
		logging.Int("deleted", s.result.Deleted),
	)
}
