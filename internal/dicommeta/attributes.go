package dicommeta

import "strings"

// Field is one header value. Found is false when no record carried the
// attribute; Found with an empty Value means the attribute was present but blank.
type Field struct {
	Value  string
	Values []string
	Found  bool
}

// Present reports whether the field was located with a non-blank value.
func (f Field) Present() bool {
	return f.Found && strings.TrimSpace(f.Value) != ""
}

func newField(values []string) Field {
	f := Field{Found: true, Values: values}
	if len(values) > 0 {
		f.Value = strings.TrimSpace(values[0])
	}
	return f
}

// Attributes holds the header values read from one DICOM record.
type Attributes struct {
	PatientBirthDate                  Field
	StudyDate                         Field
	StudyTime                         Field
	AccessionNumber                   Field
	StudyDescription                  Field
	RequestedProcedureDescription     Field
	PerformedProcedureStepDescription Field
	Modality                          Field
	SeriesNumber                      Field
	SeriesDescription                 Field
	PixelSpacing                      Field
	SpacingBetweenSlices              Field
}

// SessionRecord is the per-session summary assembled from a session's records.
type SessionRecord struct {
	Accession            Field
	DOB                  Field
	ImagingDate          Field
	ImagingTime          Field
	RequestedDescription Field
	PerformedDescription Field
	StudyDescription     Field
}

// complete reports whether the fields needed to stop scanning are all present.
func (r SessionRecord) complete() bool {
	return r.DOB.Present() && r.ImagingDate.Present() && r.Accession.Present() && r.StudyDescription.Present()
}

// SeriesInfo identifies one acquisition.
type SeriesInfo struct {
	Modality          string
	SeriesNumber      string
	SeriesDescription string
}

// Spacing holds voxel dimensions in millimetres.
type Spacing struct {
	Row    float64
	Column float64
	Slice  float64
}
