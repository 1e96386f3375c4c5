package dicommeta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"imagedeid/internal/logging"
	"imagedeid/internal/services"
)

// ErrNoSpacing is returned when no record carries both spacing attributes.
var ErrNoSpacing = errors.New("no record carries pixel and slice spacing")

// Extractor summarizes DICOM headers for a session.
type Extractor struct {
	reader Reader
	logger *slog.Logger
}

// NewExtractor builds an extractor around reader. A nil reader uses FileReader.
func NewExtractor(reader Reader, logger *slog.Logger) *Extractor {
	if reader == nil {
		reader = NewFileReader()
	}
	return &Extractor{
		reader: reader,
		logger: logging.NewComponentLogger(logger, "dicommeta"),
	}
}

// ExtractSession scans files in order and keeps the first located value of
// each session attribute. Scanning stops once DOB, study date, accession, and
// study description all carry values. Unreadable records are skipped.
func (e *Extractor) ExtractSession(ctx context.Context, files []string) SessionRecord {
	var rec SessionRecord
	logger := logging.WithContext(ctx, e.logger)
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		attrs, err := e.reader.ReadAttributes(path)
		if err != nil {
			logger.Debug("dicom record unreadable; skipping",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "dicom_read_skipped"),
			)
			continue
		}
		fill(&rec.DOB, attrs.PatientBirthDate)
		fill(&rec.ImagingDate, attrs.StudyDate)
		fill(&rec.ImagingTime, attrs.StudyTime)
		fill(&rec.Accession, attrs.AccessionNumber)
		fill(&rec.StudyDescription, attrs.StudyDescription)
		fill(&rec.RequestedDescription, attrs.RequestedProcedureDescription)
		fill(&rec.PerformedDescription, attrs.PerformedProcedureStepDescription)
		if rec.complete() {
			break
		}
	}
	return rec
}

func fill(dst *Field, src Field) {
	if dst.Found || !src.Found {
		return
	}
	*dst = src
}

// ReadSpacing returns voxel spacing from the first record that carries both
// PixelSpacing and SpacingBetweenSlices.
func (e *Extractor) ReadSpacing(ctx context.Context, files []string) (Spacing, error) {
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return Spacing{}, err
		}
		attrs, err := e.reader.ReadAttributes(path)
		if err != nil {
			continue
		}
		if !attrs.PixelSpacing.Found || !attrs.SpacingBetweenSlices.Present() || len(attrs.PixelSpacing.Values) < 2 {
			continue
		}
		row, errRow := parseDecimal(attrs.PixelSpacing.Values[0])
		col, errCol := parseDecimal(attrs.PixelSpacing.Values[1])
		slice, errSlice := parseDecimal(attrs.SpacingBetweenSlices.Value)
		if errRow != nil || errCol != nil || errSlice != nil {
			continue
		}
		return Spacing{Row: row, Column: col, Slice: slice}, nil
	}
	return Spacing{}, ErrNoSpacing
}

// ReadSeriesInfo returns the modality and series identity of one record.
func (e *Extractor) ReadSeriesInfo(path string) (SeriesInfo, error) {
	attrs, err := e.reader.ReadAttributes(path)
	if err != nil {
		return SeriesInfo{}, services.Wrap(services.ErrValidation, "dicommeta", "read series", fmt.Sprintf("unreadable record %s", path), err)
	}
	return SeriesInfo{
		Modality:          strings.ToUpper(attrs.Modality.Value),
		SeriesNumber:      attrs.SeriesNumber.Value,
		SeriesDescription: attrs.SeriesDescription.Value,
	}, nil
}

func parseDecimal(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}
