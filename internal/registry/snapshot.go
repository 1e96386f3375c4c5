package registry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"imagedeid/internal/config"
	"imagedeid/internal/services"
)

// DOBLayouts lists the birth-date formats accepted in the registry.
var DOBLayouts = []string{"1/2/2006", "01/02/2006", "1/2/06", "2006-01-02", "20060102"}

// Row is one registry snapshot record.
type Row struct {
	Line           int
	SubjectID      string
	MRN            string
	FirstName      string
	LastName       string
	DOB            string // YYYYMMDD, empty when absent or unparsable
	Diagnosis      string
	AgeAtDiagnosis int
	AgeKnown       bool
}

// DiagnosisRow is the slice of a registry row used for project assignment.
type DiagnosisRow struct {
	Diagnosis      string
	AgeAtDiagnosis int
	AgeKnown       bool
}

// ParseWarning is a non-fatal problem encountered while reading the snapshot.
type ParseWarning struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Snapshot is an in-memory registry export.
type Snapshot struct {
	Rows     []Row
	Warnings []ParseWarning
	Encoding string
}

// LoadSnapshot reads the registry CSV at path.
func LoadSnapshot(path string, cols config.RegistryColumns) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrConfiguration, "registry", "load snapshot",
				fmt.Sprintf("registry file %s not found", path), err)
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return ParseSnapshot(data, cols)
}

// ParseSnapshot decodes and parses registry CSV bytes. Short rows are padded,
// long rows are truncated, and malformed rows are skipped; each case adds a
// warning.
func ParseSnapshot(data []byte, cols config.RegistryColumns) (*Snapshot, error) {
	decoded, encoding, err := decodeText(data)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "registry", "decode", "unsupported encoding", err)
	}

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, services.Wrap(services.ErrValidation, "registry", "parse", "empty registry: no header row", nil)
		}
		return nil, services.Wrap(services.ErrValidation, "registry", "parse", "unreadable header row", err)
	}
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}
	pos := func(name string) (int, error) {
		i, ok := index[name]
		if !ok {
			return 0, services.Wrap(services.ErrConfiguration, "registry", "parse",
				fmt.Sprintf("registry column %q not found", name), nil)
		}
		return i, nil
	}
	var idx struct{ id, mrn, first, last, dob, diag, age int }
	for _, target := range []struct {
		dst  *int
		name string
	}{
		{&idx.id, cols.SubjectID}, {&idx.mrn, cols.MRN}, {&idx.first, cols.FirstName},
		{&idx.last, cols.LastName}, {&idx.dob, cols.DOB}, {&idx.diag, cols.Diagnosis},
		{&idx.age, cols.AgeAtDiagnosis},
	} {
		if *target.dst, err = pos(target.name); err != nil {
			return nil, err
		}
	}

	snap := &Snapshot{Encoding: encoding}
	headerCount := len(headers)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			snap.warn(line, fmt.Sprintf("parse error: %v", err))
			continue
		}
		switch {
		case len(record) < headerCount:
			snap.warn(line, fmt.Sprintf("row has %d columns, expected %d; padding with empty values", len(record), headerCount))
			padded := make([]string, headerCount)
			copy(padded, record)
			record = padded
		case len(record) > headerCount:
			snap.warn(line, fmt.Sprintf("row has %d columns, expected %d; truncating extra columns", len(record), headerCount))
			record = record[:headerCount]
		}

		row := Row{
			Line:      line,
			SubjectID: strings.TrimSpace(record[idx.id]),
			MRN:       NormalizeMRN(record[idx.mrn]),
			FirstName: strings.TrimSpace(record[idx.first]),
			LastName:  strings.TrimSpace(record[idx.last]),
			Diagnosis: strings.TrimSpace(record[idx.diag]),
		}
		if row.SubjectID == "" {
			snap.warn(line, "row has no subject id; skipped")
			continue
		}
		if raw := strings.TrimSpace(record[idx.dob]); raw != "" {
			if dob, ok := parseDOB(raw); ok {
				row.DOB = dob
			} else {
				snap.warn(line, "unparsable date of birth ignored")
			}
		}
		if raw := strings.TrimSpace(record[idx.age]); raw != "" {
			if age, err := strconv.Atoi(raw); err == nil {
				row.AgeAtDiagnosis, row.AgeKnown = age, true
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
				row.AgeAtDiagnosis, row.AgeKnown = int(f), true
			}
		}
		snap.Rows = append(snap.Rows, row)
	}

	if len(snap.Rows) == 0 {
		return nil, services.Wrap(services.ErrValidation, "registry", "parse", "registry contains no data rows", nil)
	}
	return snap, nil
}

func (s *Snapshot) warn(line int, msg string) {
	s.Warnings = append(s.Warnings, ParseWarning{Line: line, Message: msg})
}

func parseDOB(raw string) (string, bool) {
	for _, layout := range DOBLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("20060102"), true
		}
	}
	return "", false
}

// DiagnosisRows returns the diagnosis rows for subjectID in snapshot order.
func (s *Snapshot) DiagnosisRows(subjectID string) []DiagnosisRow {
	var rows []DiagnosisRow
	if s == nil {
		return nil
	}
	for _, r := range s.Rows {
		if r.SubjectID == subjectID {
			rows = append(rows, DiagnosisRow{Diagnosis: r.Diagnosis, AgeAtDiagnosis: r.AgeAtDiagnosis, AgeKnown: r.AgeKnown})
		}
	}
	return rows
}

// DOBFor returns the first on-file birth date for subjectID.
func (s *Snapshot) DOBFor(subjectID string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, r := range s.Rows {
		if r.SubjectID == subjectID && r.DOB != "" {
			return r.DOB, true
		}
	}
	return "", false
}
