package pipeline

import (
	"context"
	"errors"

	"imagedeid/internal/dicommeta"
	"imagedeid/internal/logging"
	"imagedeid/internal/registry"
	"imagedeid/internal/report"
	"imagedeid/internal/services"
)

// errNoDICOM marks a session directory without any DICOM records.
var errNoDICOM = errors.New("session holds no DICOM files")

// resolveAll extracts metadata, resolves identity, builds session labels,
// and assigns collections for every unfinished study, writing the review
// tables as it goes. Studies that cannot be resolved are finished as blocked.
func (r *Runner) resolveAll(ctx context.Context, resolver *registry.Resolver, writer *report.Writer, studies []*study) (Reports, error) {
	var (
		reports          Reports
		missingSubjects  []report.MissingSubject
		missingSessions  []report.MissingSession
		missingDiagnoses []report.MissingDiagnosis
		mappings         []report.Mapping
	)

	for _, s := range studies {
		if s.done {
			continue
		}
		sctx := services.WithStage(s.context(ctx), "identity")
		if err := r.resolveIdentity(sctx, resolver, s); err != nil {
			if errors.Is(err, errNoDICOM) {
				s.finish(services.StatusEmpty, nil)
				continue
			}
			s.finish(services.FailureStatus(err), err)
			switch s.result.Status {
			case services.StatusBlockedIdentity:
				missingSubjects = append(missingSubjects, report.MissingSubject{
					Accession: s.dir.Subject.Accession,
					MRN:       s.dir.Subject.MRN,
					FirstName: s.dir.Subject.FirstName,
					LastName:  s.dir.Subject.LastName,
				})
			case services.StatusBlockedSession:
				missingSessions = append(missingSessions, report.MissingSession{
					Accession: s.dir.Subject.Accession,
					Reason:    err.Error(),
				})
			}
		}
	}

	var err error
	if reports.MissingSubjects, err = writer.MissingSubjects(missingSubjects); err != nil {
		return reports, err
	}
	if reports.MissingSessions, err = writer.MissingSessions(missingSessions); err != nil {
		return reports, err
	}

	for _, s := range studies {
		if s.done {
			continue
		}
		sctx := services.WithStage(s.context(ctx), "project")
		if err := r.assignProject(sctx, s); err != nil {
			s.finish(services.StatusBlockedProject, err)
			missingDiagnoses = append(missingDiagnoses, report.MissingDiagnosis{
				Accession:    s.result.Accession,
				CID:          s.result.CID,
				SessionLabel: s.result.SessionLabel,
				Reason:       err.Error(),
			})
			continue
		}
		mappings = append(mappings, report.Mapping{
			Accession:    s.result.Accession,
			CID:          s.result.CID,
			SessionLabel: s.result.SessionLabel,
			Collection:   s.result.Collection,
			Method:       string(s.mapping.Method),
			DOBSource:    string(s.mapping.DOBSource),
		})
	}

	if reports.MissingDiagnoses, err = writer.MissingDiagnoses(missingDiagnoses); err != nil {
		return reports, err
	}
	if len(mappings) > 0 {
		if reports.Mappings, err = writer.Mappings(mappings); err != nil {
			return reports, err
		}
	}
	r.logReports(ctx, reports)
	return reports, nil
}

// resolveIdentity reads the session headers, matches the subject to a
// registry ID, and synthesizes the session label.
func (r *Runner) resolveIdentity(ctx context.Context, resolver *registry.Resolver, s *study) error {
	files, err := dicommeta.FindFiles(s.dir.Path())
	if err != nil {
		return services.Wrap(services.ErrValidation, "identity", "find dicom", s.dir.Node.Name, err)
	}
	if len(files) == 0 {
		return errNoDICOM
	}
	rec := r.extractor.ExtractSession(ctx, files)

	subject := s.dir.Subject
	if rec.DOB.Present() {
		subject.DOB = rec.DOB.Value
	}
	res := resolver.Resolve(ctx, []registry.Subject{subject}, r.dobLookup())
	if len(res.Mapped) == 0 {
		return services.Wrap(services.ErrUnresolvedIdentity, "identity", "resolve",
			"subject not found in registry", nil)
	}
	s.mapping = res.Mapped[0]
	s.result.CID = s.mapping.CID

	// Label from the reconciled birth date rather than the raw header value.
	rec.DOB = dicommeta.Field{Value: s.mapping.DOB, Found: s.mapping.DOB != ""}
	if s.mapping.DOB != "" {
		rec.DOB.Values = []string{s.mapping.DOB}
	}
	label, err := r.synth.Label(rec, r.priority)
	if err != nil {
		return err
	}
	s.label = label
	s.mapping.SessionLabel = label.Label
	s.result.SessionLabel = label.Label

	logging.WithContext(ctx, r.logger).Info("session resolved",
		logging.String("accession", s.result.Accession),
		logging.String("c_id", s.result.CID),
		logging.String("session_label", label.Label),
		logging.String("label_field", string(label.Field)),
		logging.String("dob_source", string(s.mapping.DOBSource)),
	)
	return nil
}

func (r *Runner) assignProject(ctx context.Context, s *study) error {
	assignment, err := r.assigner.Assign(s.result.CID, s.label.AgeDays, r.snapshot.DiagnosisRows(s.result.CID))
	if err != nil {
		return services.Wrap(services.ErrUnresolvedProject, "project", "assign", s.result.CID, err)
	}
	assignment.SessionLabel = s.result.SessionLabel
	s.assignment = assignment
	s.result.Collection = assignment.Collection
	logging.WithContext(ctx, r.logger).Info("collection assigned",
		logging.Args(append(logging.DecisionAttrs("project_assignment", assignment.Collection, assignment.Reason),
			logging.String("c_id", assignment.CID),
		)...)...)
	return nil
}

func (r *Runner) logReports(ctx context.Context, reports Reports) {
	logger := logging.WithContext(ctx, r.logger)
	for _, path := range []string{reports.MissingSubjects, reports.MissingSessions, reports.MissingDiagnoses} {
		if path == "" {
			continue
		}
		logging.WarnWithContext(logger, "review table written", "unresolved_report",
			logging.String("path", path),
			logging.String(logging.FieldErrorHint, "resolve the listed studies and rerun them"),
			logging.String(logging.FieldImpact, "listed studies were not placed"),
		)
	}
	if reports.Mappings != "" {
		logger.Info("subject mapping written", logging.String("path", reports.Mappings))
	}
}
