// Package project assigns resolved sessions to output collections using the
// registry's diagnosis history and a diagnosis to collection map.
package project

import (
	"fmt"
	"log/slog"
	"strings"

	"imagedeid/internal/config"
	"imagedeid/internal/logging"
	"imagedeid/internal/registry"
	"imagedeid/internal/services"
)

var (
	// ErrMissingInRegistry means the subject has no diagnosis rows.
	ErrMissingInRegistry = fmt.Errorf("%w: subject missing in registry", services.ErrUnresolvedProject)
	// ErrUnmappedDiagnosis means the chosen diagnosis has no collection.
	ErrUnmappedDiagnosis = fmt.Errorf("%w: diagnosis has no collection mapping", services.ErrUnresolvedProject)
)

// Reasons recorded on an Assignment.
const (
	ReasonNotReported = "not-reported"
	ReasonSingle      = "single-diagnosis"
	ReasonNearestAge  = "nearest-age"
	ReasonTie         = "tie"
)

// DiagnosisMap maps registry diagnosis labels to collection names.
type DiagnosisMap map[string]string

// Assignment is the collection chosen for one session.
type Assignment struct {
	CID          string
	SessionLabel string
	Collection   string
	Diagnosis    string
	Reason       string
}

// Assigner applies the diagnosis filtering and nearest-age rules.
type Assigner struct {
	table       DiagnosisMap
	drop        map[string]struct{}
	catchAll    string
	notReported string
	logger      *slog.Logger
}

// New returns an Assigner. dropLabels are removed before selection; catchAll
// is removed when any other label remains.
func New(table DiagnosisMap, dropLabels []string, catchAll, notReported string, logger *slog.Logger) *Assigner {
	drop := make(map[string]struct{}, len(dropLabels))
	for _, label := range dropLabels {
		drop[strings.TrimSpace(label)] = struct{}{}
	}
	if notReported = strings.TrimSpace(notReported); notReported == "" {
		notReported = "Not Reported"
	}
	return &Assigner{
		table:       table,
		drop:        drop,
		catchAll:    strings.TrimSpace(catchAll),
		notReported: notReported,
		logger:      logging.NewComponentLogger(logger, "project"),
	}
}

// FromConfig builds an Assigner from the [projects] section and table.
func FromConfig(cfg config.Projects, table DiagnosisMap, logger *slog.Logger) *Assigner {
	if table == nil {
		table = DiagnosisMap(cfg.DiagnosisMap)
	}
	return New(table, cfg.DropDiagnoses, cfg.CatchAllDiagnosis, cfg.NotReportedDiagnosis, logger)
}

// Assign picks the diagnosis for cid at ageDays and maps it to a collection.
func (a *Assigner) Assign(cid string, ageDays int, rows []registry.DiagnosisRow) (Assignment, error) {
	if len(rows) == 0 {
		return Assignment{}, services.Wrap(services.ErrValidation, "project", "assign", "no registry rows for subject", ErrMissingInRegistry)
	}

	kept := make([]registry.DiagnosisRow, 0, len(rows))
	for _, r := range rows {
		if _, dropped := a.drop[r.Diagnosis]; dropped {
			continue
		}
		kept = append(kept, r)
	}
	if a.catchAll != "" && len(distinct(kept)) > 1 {
		filtered := kept[:0:0]
		for _, r := range kept {
			if r.Diagnosis != a.catchAll {
				filtered = append(filtered, r)
			}
		}
		kept = filtered
	}

	var diagnosis, reason string
	labels := distinct(kept)
	switch {
	case len(kept) == 0:
		diagnosis, reason = a.notReported, ReasonNotReported
	case len(labels) == 1:
		diagnosis, reason = labels[0], ReasonSingle
	default:
		diagnosis, reason = nearest(kept, ageDays)
		a.logger.Info("diagnosis chosen by nearest age",
			logging.Args(logging.DecisionAttrs("diagnosis_selection", diagnosis, reason)...)...)
	}

	collection, ok := a.table[diagnosis]
	if !ok || strings.TrimSpace(collection) == "" {
		return Assignment{}, services.Wrap(services.ErrConfiguration, "project", "assign",
			fmt.Sprintf("diagnosis %q is not in the diagnosis map", diagnosis), ErrUnmappedDiagnosis)
	}
	return Assignment{CID: cid, Collection: collection, Diagnosis: diagnosis, Reason: reason}, nil
}

// nearest returns the diagnosis whose age at diagnosis is closest to ageDays.
// Rows without a known age are ignored unless none have one. The first row in
// input order wins ties.
func nearest(rows []registry.DiagnosisRow, ageDays int) (string, string) {
	best, bestDist, tie := -1, 0, false
	for i, r := range rows {
		if !r.AgeKnown {
			continue
		}
		dist := r.AgeAtDiagnosis - ageDays
		if dist < 0 {
			dist = -dist
		}
		switch {
		case best < 0 || dist < bestDist:
			best, bestDist, tie = i, dist, false
		case dist == bestDist && rows[i].Diagnosis != rows[best].Diagnosis:
			tie = true
		}
	}
	if best < 0 {
		return rows[0].Diagnosis, ReasonTie
	}
	if tie {
		return rows[best].Diagnosis, ReasonTie
	}
	return rows[best].Diagnosis, ReasonNearestAge
}

func distinct(rows []registry.DiagnosisRow) []string {
	seen := make(map[string]struct{}, len(rows))
	var out []string
	for _, r := range rows {
		if _, ok := seen[r.Diagnosis]; ok {
			continue
		}
		seen[r.Diagnosis] = struct{}{}
		out = append(out, r.Diagnosis)
	}
	return out
}
