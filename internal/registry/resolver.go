package registry

import (
	"context"
	"log/slog"
	"strings"

	"imagedeid/internal/logging"
)

// Method records how a subject was matched to a registry ID.
type Method string

const (
	MethodOverride Method = "override"
	MethodExactMRN Method = "exact-mrn"
	MethodName     Method = "name"
)

// DOBSource records where a reconciled birth date came from.
type DOBSource string

const (
	DOBFromHeader   DOBSource = "header"
	DOBFromArchive  DOBSource = "archive"
	DOBFromRegistry DOBSource = "registry"
	DOBUnavailable  DOBSource = ""
)

// Subject is a local patient identity parsed from the study directory tree.
type Subject struct {
	MRN       string
	LastName  string
	FirstName string
	Accession string
	// DOB is the header birth date (YYYYMMDD) or empty when the header lacks one.
	DOB string
}

// Mapping is a subject resolved to a registry ID.
type Mapping struct {
	Subject      Subject
	Accession    string
	CID          string
	Method       Method
	DOB          string
	DOBSource    DOBSource
	SessionLabel string
}

// Result partitions subjects into mapped and missing sets.
type Result struct {
	Mapped  []Mapping
	Missing []Subject
}

// DOBLookup fetches a birth date (YYYYMMDD) from the archive for an MRN
// padded to the archive's width. An empty string means none is on file.
type DOBLookup func(ctx context.Context, paddedMRN string) (string, error)

// Resolver matches subjects against a registry snapshot.
type Resolver struct {
	snapshot  *Snapshot
	overrides *Overrides
	padWidth  int
	logger    *slog.Logger

	byMRN  map[string]string
	byName map[string]string
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithOverrides installs an operator-supplied accession/MRN to C-ID table.
func WithOverrides(o *Overrides) ResolverOption {
	return func(r *Resolver) { r.overrides = o }
}

// WithPadWidth sets the MRN width used for archive lookups.
func WithPadWidth(width int) ResolverOption {
	return func(r *Resolver) {
		if width > 0 {
			r.padWidth = width
		}
	}
}

// NewResolver indexes snapshot for matching. When several rows share a key,
// the first in snapshot order wins.
func NewResolver(snapshot *Snapshot, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		snapshot: snapshot,
		padWidth: 8,
		logger:   logging.NewComponentLogger(logger, "registry"),
		byMRN:    make(map[string]string),
		byName:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if snapshot != nil {
		for _, row := range snapshot.Rows {
			if row.MRN != "" {
				if _, ok := r.byMRN[row.MRN]; !ok {
					r.byMRN[row.MRN] = row.SubjectID
				}
			}
			if key := nameKey(row.LastName, row.FirstName); key != "" {
				if _, ok := r.byName[key]; !ok {
					r.byName[key] = row.SubjectID
				}
			}
		}
	}
	return r
}

// Resolve maps each subject to a registry ID and reconciles its birth date.
// lookup may be nil when no archive is available.
func (r *Resolver) Resolve(ctx context.Context, subjects []Subject, lookup DOBLookup) Result {
	var res Result
	logger := logging.WithContext(ctx, r.logger)
	for _, sub := range subjects {
		cid, method, ok := r.match(sub)
		if !ok {
			logger.Info("subject not found in registry",
				logging.String("accession", sub.Accession),
				logging.String(logging.FieldEventType, "subject_unmatched"),
			)
			res.Missing = append(res.Missing, sub)
			continue
		}
		logger.Debug("subject matched",
			logging.String("accession", sub.Accession),
			logging.String("mrn", logging.Mask(sub.MRN)),
			logging.String("c_id", cid),
			logging.String("method", string(method)),
		)
		m := Mapping{Subject: sub, Accession: sub.Accession, CID: cid, Method: method}
		m.DOB, m.DOBSource = r.reconcileDOB(ctx, logger, sub, cid, lookup)
		res.Mapped = append(res.Mapped, m)
	}
	return res
}

func (r *Resolver) match(sub Subject) (string, Method, bool) {
	if cid, ok := r.overrides.Lookup(sub.Accession, sub.MRN); ok {
		return cid, MethodOverride, true
	}
	if mrn := NormalizeMRN(sub.MRN); mrn != "" {
		if cid, ok := r.byMRN[mrn]; ok {
			return cid, MethodExactMRN, true
		}
	}
	if key := nameKey(sub.LastName, sub.FirstName); key != "" {
		if cid, ok := r.byName[key]; ok {
			return cid, MethodName, true
		}
	}
	return "", "", false
}

// reconcileDOB applies header > archive > registry precedence. The archive
// is only queried when the header has no birth date. Disagreement between
// available sources is logged and does not change precedence.
func (r *Resolver) reconcileDOB(ctx context.Context, logger *slog.Logger, sub Subject, cid string, lookup DOBLookup) (string, DOBSource) {
	registryDOB, _ := r.snapshot.DOBFor(cid)
	header := strings.TrimSpace(sub.DOB)
	if header != "" {
		r.checkAgreement(logger, sub, DOBFromHeader, header, registryDOB)
		return header, DOBFromHeader
	}
	if lookup != nil {
		archived, err := lookup(ctx, PadMRN(sub.MRN, r.padWidth))
		if err != nil {
			logging.WarnWithContext(logger, "archive birth date lookup failed; falling back to registry", "dob_lookup_failed",
				logging.String("accession", sub.Accession),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check archive connectivity"),
				logging.String(logging.FieldImpact, "registry birth date used if on file"),
			)
		} else if archived = strings.TrimSpace(archived); archived != "" {
			r.checkAgreement(logger, sub, DOBFromArchive, archived, registryDOB)
			return archived, DOBFromArchive
		}
	}
	if registryDOB != "" {
		return registryDOB, DOBFromRegistry
	}
	return "", DOBUnavailable
}

func (r *Resolver) checkAgreement(logger *slog.Logger, sub Subject, source DOBSource, value, registryDOB string) {
	if registryDOB == "" || registryDOB == value {
		return
	}
	logging.WarnWithContext(logger, "birth date sources disagree", "dob_conflict",
		logging.String("accession", sub.Accession),
		logging.String("used_source", string(source)),
		logging.String("other_source", string(DOBFromRegistry)),
		logging.String(logging.FieldErrorHint, "verify the registry record for this subject"),
		logging.String(logging.FieldImpact, "session age computed from "+string(source)+" birth date"),
	)
}

// Snapshot returns the indexed registry snapshot.
func (r *Resolver) Snapshot() *Snapshot {
	return r.snapshot
}
