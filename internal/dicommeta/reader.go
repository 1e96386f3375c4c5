package dicommeta

import (
	"fmt"
	"os"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Reader loads header attributes from one DICOM file.
type Reader interface {
	ReadAttributes(path string) (Attributes, error)
}

// FileReader parses DICOM headers from disk, skipping pixel data.
type FileReader struct{}

// NewFileReader returns the production header reader.
func NewFileReader() FileReader {
	return FileReader{}
}

// ReadAttributes implements Reader.
func (FileReader) ReadAttributes(path string) (Attributes, error) {
	file, err := os.Open(path)
	if err != nil {
		return Attributes{}, fmt.Errorf("open dicom: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Attributes{}, fmt.Errorf("stat dicom: %w", err)
	}

	ds, err := dicom.Parse(file, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return Attributes{}, fmt.Errorf("parse dicom %s: %w", path, err)
	}

	return Attributes{
		PatientBirthDate:                  lookup(ds, tag.PatientBirthDate),
		StudyDate:                         lookup(ds, tag.StudyDate),
		StudyTime:                         lookup(ds, tag.StudyTime),
		AccessionNumber:                   lookup(ds, tag.AccessionNumber),
		StudyDescription:                  lookup(ds, tag.StudyDescription),
		RequestedProcedureDescription:     lookup(ds, tag.RequestedProcedureDescription),
		PerformedProcedureStepDescription: lookup(ds, tag.PerformedProcedureStepDescription),
		Modality:                          lookup(ds, tag.Modality),
		SeriesNumber:                      lookup(ds, tag.SeriesNumber),
		SeriesDescription:                 lookup(ds, tag.SeriesDescription),
		PixelSpacing:                      lookup(ds, tag.PixelSpacing),
		SpacingBetweenSlices:              lookup(ds, tag.SpacingBetweenSlices),
	}, nil
}

func lookup(ds dicom.Dataset, t tag.Tag) Field {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return Field{}
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		return newField(v)
	case []int:
		values := make([]string, len(v))
		for i, n := range v {
			values[i] = strconv.Itoa(n)
		}
		return newField(values)
	case []float64:
		values := make([]string, len(v))
		for i, n := range v {
			values[i] = strconv.FormatFloat(n, 'f', -1, 64)
		}
		return newField(values)
	case nil:
		return Field{Found: true}
	default:
		return newField([]string{fmt.Sprint(v)})
	}
}
