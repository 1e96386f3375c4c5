// Package report writes the reviewable CSV tables a run leaves in the
// workspace files/ directory.
//
// Missing-subject, missing-session, and missing-diagnosis tables are
// rewritten per day. Subject mapping tables never overwrite an earlier file;
// a numeric suffix is added instead. The mapping table carries accession and
// c_id columns, so it can be handed back to a later run as an override file.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DateLayout formats the date embedded in report names.
const DateLayout = "2006-01-02"

// MissingSubject is a study whose subject could not be matched.
type MissingSubject struct {
	Accession string
	MRN       string
	FirstName string
	LastName  string
}

// MissingSession is a study whose session label could not be built.
type MissingSession struct {
	Accession string
	Reason    string
}

// MissingDiagnosis is a study with no usable project assignment.
type MissingDiagnosis struct {
	Accession    string
	CID          string
	SessionLabel string
	Reason       string
}

// Mapping is one resolved study.
type Mapping struct {
	Accession    string
	CID          string
	SessionLabel string
	Collection   string
	Method       string
	DOBSource    string
}

// Writer writes reports into one directory.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter returns a writer for dir. A nil clock uses time.Now.
func NewWriter(dir string, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{dir: dir, now: now}
}

// Dir returns the report directory.
func (w *Writer) Dir() string {
	return w.dir
}

func (w *Writer) date() string {
	return w.now().Format(DateLayout)
}

// MissingSubjects writes missing_subject_ids_{date}.csv. Nothing is written
// for an empty set and the returned path is "".
func (w *Writer) MissingSubjects(rows []MissingSubject) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{r.Accession, r.MRN, r.FirstName, r.LastName})
	}
	return w.overwrite("missing_subject_ids", []string{"accession", "mrn", "first_name", "last_name"}, records)
}

// MissingSessions writes missing_sessions_{date}.csv.
func (w *Writer) MissingSessions(rows []MissingSession) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{r.Accession, r.Reason})
	}
	return w.overwrite("missing_sessions", []string{"accession", "reason"}, records)
}

// MissingDiagnoses writes missing_diagnosis_{date}.csv.
func (w *Writer) MissingDiagnoses(rows []MissingDiagnosis) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{r.Accession, r.CID, r.SessionLabel, r.Reason})
	}
	return w.overwrite("missing_diagnosis", []string{"accession", "c_id", "session_label", "reason"}, records)
}

// Mappings writes sub_mapping_{date}.csv, or the first free
// sub_mapping_{date}_{n}.csv when earlier files exist.
func (w *Writer) Mappings(rows []Mapping) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{r.Accession, r.CID, r.SessionLabel, r.Collection, r.Method, r.DOBSource})
	}
	header := []string{"accession", "c_id", "session_label", "collection", "method", "dob_source"}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	base := "sub_mapping_" + w.date()
	name := base + ".csv"
	for n := 1; ; n++ {
		path := filepath.Join(w.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, writeCSV(f, header, records)
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create %s: %w", name, err)
		}
		name = fmt.Sprintf("%s_%d.csv", base, n)
	}
}

func (w *Writer) overwrite(prefix string, header []string, records [][]string) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s_%s.csv", prefix, w.date()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	return path, writeCSV(f, header, records)
}

func writeCSV(f *os.File, header []string, records [][]string) error {
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := cw.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(f.Name()), err)
	}
	return f.Close()
}
