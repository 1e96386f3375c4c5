package pipeline

import "imagedeid/internal/services"

// Request selects what a run processes.
type Request struct {
	// StudyIDs are archive study identifiers. When empty and the source is
	// the archive, every study not yet in the ledger is processed.
	StudyIDs []string
	// Program and Site override the configured workspace namespace.
	Program string
	Site    string
	// SkipModalities overrides archive.skip_modalities when non-nil.
	SkipModalities []string
	// OverridePath is an optional subject mapping CSV (c_id plus accession
	// or mrn) consulted before registry matching.
	OverridePath string
	// Source overrides run.source ("archive" or "local").
	Source string
}

// StudyResult is the outcome of one session. Archive studies normally hold a
// single session; local runs report one result per session directory.
type StudyResult struct {
	StudyID      string               `json:"study_id,omitempty"`
	Accession    string               `json:"accession,omitempty"`
	CID          string               `json:"c_id,omitempty"`
	SessionLabel string               `json:"session_label,omitempty"`
	Collection   string               `json:"collection,omitempty"`
	Status       services.StudyStatus `json:"status"`
	Placed       int                  `json:"placed"`
	Quarantined  int                  `json:"quarantined"`
	Deleted      int                  `json:"deleted"`
	Ledger       string               `json:"ledger,omitempty"`
	Detail       string               `json:"detail,omitempty"`
	Err          error                `json:"-"`
}

// Reports lists the report files written during a run.
type Reports struct {
	MissingSubjects  string `json:"missing_subjects,omitempty"`
	MissingSessions  string `json:"missing_sessions,omitempty"`
	MissingDiagnoses string `json:"missing_diagnoses,omitempty"`
	Mappings         string `json:"mappings,omitempty"`
}

// Summary is the result of Run or Validate.
type Summary struct {
	RunID   string        `json:"run_id"`
	Results []StudyResult `json:"results"`
	Reports Reports       `json:"reports"`
}

// Blocked counts results that need manual review.
func (s *Summary) Blocked() int {
	n := 0
	for _, r := range s.Results {
		if r.Status.Blocked() {
			n++
		}
	}
	return n
}

// Failed counts results that failed outright.
func (s *Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Status == services.StatusFailed {
			n++
		}
	}
	return n
}

// Counts tallies results by status.
func (s *Summary) Counts() map[services.StudyStatus]int {
	counts := make(map[services.StudyStatus]int)
	for _, r := range s.Results {
		counts[r.Status]++
	}
	return counts
}
