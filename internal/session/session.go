// Package session derives deterministic session labels from DICOM header
// summaries. A label encodes age at imaging in days, the body regions named
// by the procedure description, and the time of day:
//
//	2001d_B_brain_10h15m
//
// Labels are a pure function of their inputs, so reruns reproduce the same
// directory names.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"imagedeid/internal/dicommeta"
	"imagedeid/internal/region"
	"imagedeid/internal/services"
)

// DateLayout is the DICOM DA layout.
const DateLayout = "20060102"

// ErrMissingSessionLabel is returned when a session lacks what a label needs.
var ErrMissingSessionLabel = fmt.Errorf("%w: session label unavailable", services.ErrUnresolvedSession)

// DescriptionField names a procedure description attribute.
type DescriptionField string

const (
	FieldPerformed DescriptionField = "performed"
	FieldStudy     DescriptionField = "study"
	FieldRequested DescriptionField = "requested"
)

// DefaultPriority is the description order used when none is configured.
var DefaultPriority = []DescriptionField{FieldPerformed, FieldStudy, FieldRequested}

// ParseDescriptionFields converts configured names into a priority list.
func ParseDescriptionFields(values []string) ([]DescriptionField, error) {
	if len(values) == 0 {
		return append([]DescriptionField(nil), DefaultPriority...), nil
	}
	out := make([]DescriptionField, 0, len(values))
	for _, v := range values {
		switch f := DescriptionField(strings.ToLower(strings.TrimSpace(v))); f {
		case FieldPerformed, FieldStudy, FieldRequested:
			out = append(out, f)
		default:
			return nil, fmt.Errorf("unknown description field %q", v)
		}
	}
	return out, nil
}

// Result is a synthesized session label and the inputs that produced it.
type Result struct {
	Label       string
	AgeDays     int
	Region      region.Result
	Field       DescriptionField
	Description string
}

// Synthesizer builds session labels.
type Synthesizer struct {
	classifier  *region.Classifier
	sentinelDOB string
}

// New returns a synthesizer. Birth dates equal to sentinelDOB are treated as
// missing.
func New(classifier *region.Classifier, sentinelDOB string) *Synthesizer {
	if classifier == nil {
		classifier = region.FromConfig(nil)
	}
	return &Synthesizer{classifier: classifier, sentinelDOB: strings.TrimSpace(sentinelDOB)}
}

// Label synthesizes the session label for rec, trying description fields in
// priority order until one names a body region.
func (s *Synthesizer) Label(rec dicommeta.SessionRecord, priority []DescriptionField) (Result, error) {
	if len(priority) == 0 {
		priority = DefaultPriority
	}

	dobValue := strings.TrimSpace(rec.DOB.Value)
	if !rec.DOB.Present() || dobValue == s.sentinelDOB {
		return Result{}, missing("birth date missing or placeholder")
	}
	dob, err := time.Parse(DateLayout, dobValue)
	if err != nil {
		return Result{}, missing("birth date unparsable")
	}
	if !rec.ImagingDate.Present() {
		return Result{}, missing("imaging date missing")
	}
	imaged, err := time.Parse(DateLayout, strings.TrimSpace(rec.ImagingDate.Value))
	if err != nil {
		return Result{}, missing("imaging date unparsable")
	}

	var (
		matched region.Result
		field   DescriptionField
		desc    string
	)
	for _, f := range priority {
		candidate := descriptionFor(rec, f)
		if !candidate.Present() {
			continue
		}
		if res := s.classifier.Classify(candidate.Value); !res.Empty() {
			matched, field, desc = res, f, candidate.Value
			break
		}
	}
	if matched.Empty() {
		return Result{}, missing("no description names a body region")
	}

	days := DaysBetween(dob, imaged)
	label := strconv.Itoa(days) + "d_" + matched.String() + timeSuffix(rec.ImagingTime.Value)
	return Result{
		Label:       label,
		AgeDays:     days,
		Region:      matched,
		Field:       field,
		Description: desc,
	}, nil
}

func descriptionFor(rec dicommeta.SessionRecord, f DescriptionField) dicommeta.Field {
	switch f {
	case FieldPerformed:
		return rec.PerformedDescription
	case FieldStudy:
		return rec.StudyDescription
	case FieldRequested:
		return rec.RequestedDescription
	default:
		return dicommeta.Field{}
	}
}

// DaysBetween returns the absolute number of whole days between two dates.
func DaysBetween(a, b time.Time) int {
	a = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	b = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(b.Sub(a).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

// timeSuffix renders "_HHhMMm" from a DICOM TM value. Colons of the legacy
// "HH:MM:SS" form are dropped; at least four leading digits are required.
func timeSuffix(tm string) string {
	tm = strings.ReplaceAll(strings.TrimSpace(tm), ":", "")
	if len(tm) < 4 {
		return ""
	}
	for _, r := range tm[:4] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return "_" + tm[0:2] + "h" + tm[2:4] + "m"
}

// AgeInDays extracts the leading day count from a session label.
func AgeInDays(label string) (int, error) {
	prefix, _, ok := strings.Cut(label, "d_")
	if !ok {
		return 0, fmt.Errorf("session label %q has no age prefix", label)
	}
	days, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("session label %q: %w", label, err)
	}
	return days, nil
}

// IsMissing reports whether err means the session could not be labelled.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissingSessionLabel)
}

func missing(reason string) error {
	return services.Wrap(services.ErrValidation, "session", "label", reason, ErrMissingSessionLabel)
}
