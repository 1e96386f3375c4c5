package restructure

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"imagedeid/internal/dicommeta"
	"imagedeid/internal/layout"
	"imagedeid/internal/registry"
	"imagedeid/internal/sidecar"
	"imagedeid/internal/textutil"
)

// SessionDir is one session directory of the input tree and the identity
// parsed from its path. Err is set when the names do not follow the
// "MRN LAST FIRST"/"ACCESSION ..." convention.
type SessionDir struct {
	Node    *layout.Node
	Subject registry.Subject
	Err     error
}

// Path returns the session directory path.
func (s SessionDir) Path() string {
	return s.Node.Path()
}

// ScanSessions parses the input tree rooted at dicomRoot into sessions.
func ScanSessions(dicomRoot string) ([]SessionDir, error) {
	nodes, err := layout.NewInputTree(dicomRoot).Nodes(layout.KindSession)
	if err != nil {
		return nil, err
	}
	out := make([]SessionDir, 0, len(nodes))
	for _, n := range nodes {
		sub, err := registry.SubjectFromDirs(n.Parent.Name, n.Name)
		out = append(out, SessionDir{Node: n, Subject: sub, Err: err})
	}
	return out, nil
}

// SeriesReader reads the series identity of one DICOM record.
type SeriesReader interface {
	ReadSeriesInfo(path string) (dicommeta.SeriesInfo, error)
}

// PruneModalities deletes input acquisitions of the given modalities. The
// directory name decides first: its leading token must be a modality, alone
// or followed by digits ("OT SCREEN", "SR000010"). Other acquisitions are
// judged by the Modality of their first DICOM record when series is non-nil;
// unreadable records keep the acquisition. It returns the number of
// acquisitions removed.
func PruneModalities(dicomRoot string, modalities []string, series SeriesReader) (int, error) {
	if len(modalities) == 0 {
		return 0, nil
	}
	tree := layout.NewInputTree(dicomRoot)
	acqs, err := tree.Nodes(layout.KindAcquisition)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, acq := range acqs {
		if !leadsWithModality(acq.Name, modalities) && !recordedModality(acq.Path(), modalities, series) {
			continue
		}
		if err := os.RemoveAll(acq.Path()); err != nil {
			return removed, fmt.Errorf("remove acquisition: %w", err)
		}
		removed++
		if err := tree.Prune(acq.Parent); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func leadsWithModality(name string, modalities []string) bool {
	token := strings.FieldsFunc(name, func(r rune) bool { return r == ' ' || r == '_' || r == '-' })
	if len(token) == 0 {
		return false
	}
	lead := strings.ToUpper(token[0])
	for _, m := range modalities {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(lead, m); ok && allDigits(rest) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func recordedModality(acqDir string, modalities []string, series SeriesReader) bool {
	if series == nil {
		return false
	}
	files, err := dicommeta.FindFiles(acqDir)
	if err != nil || len(files) == 0 {
		return false
	}
	info, err := series.ReadSeriesInfo(files[0])
	if err != nil || info.Modality == "" {
		return false
	}
	for _, m := range modalities {
		if strings.EqualFold(info.Modality, strings.TrimSpace(m)) {
			return true
		}
	}
	return false
}

// PruneSessions deletes input sessions whose directory name contains any of
// keywords, ignoring case. It returns the number of sessions removed.
func PruneSessions(dicomRoot string, keywords []string) (int, error) {
	if len(keywords) == 0 {
		return 0, nil
	}
	tree := layout.NewInputTree(dicomRoot)
	sessions, err := tree.Nodes(layout.KindSession)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ses := range sessions {
		if _, hit := textutil.ContainsAnyFold(ses.Name, keywords); !hit {
			continue
		}
		if err := os.RemoveAll(ses.Path()); err != nil {
			return removed, fmt.Errorf("remove session: %w", err)
		}
		removed++
		if err := tree.Prune(ses.Parent); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// FilterSidecars removes fields from every JSON sidecar below root and
// returns the number of sidecars rewritten.
func FilterSidecars(root string, fields []string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	rewritten := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		doc, err := sidecar.Read(path)
		if err != nil {
			return err
		}
		if doc.Remove(fields...) == 0 {
			return nil
		}
		if err := sidecar.Write(path, doc); err != nil {
			return err
		}
		rewritten++
		return nil
	})
	if err != nil {
		return rewritten, fmt.Errorf("filter sidecars: %w", err)
	}
	return rewritten, nil
}

const universalPrefix = "Universal"

// StripDiffusionDates renames output acquisitions whose directory name ends
// with a timezone abbreviation, which dcm2niix leaves behind when a series
// description embeds an acquisition timestamp. The directory keeps the text
// before the first colon; files keep their first underscore-separated token
// and sidecars get the matching SeriesDescription. It returns the number of
// acquisitions renamed.
func StripDiffusionDates(outputRoot string, timezones []string) (int, error) {
	if len(timezones) == 0 {
		return 0, nil
	}
	acqs, err := layout.NewOutputTree(outputRoot).Nodes(layout.KindAcquisition)
	if err != nil {
		return 0, err
	}
	renamed := 0
	for _, acq := range acqs {
		if !hasTimezoneSuffix(acq.Name, timezones) {
			continue
		}
		dir, err := renameStamped(acq)
		if err != nil {
			return renamed, err
		}
		if err := renameStampedFiles(dir); err != nil {
			return renamed, err
		}
		renamed++
	}
	return renamed, nil
}

func hasTimezoneSuffix(name string, timezones []string) bool {
	for _, tz := range timezones {
		if tz = strings.TrimSpace(tz); tz != "" && strings.HasSuffix(name, tz) {
			return true
		}
	}
	return false
}

func stampedDirName(name string) string {
	parts := strings.Split(name, ":")
	if strings.Contains(name, universalPrefix) && len(parts) >= 3 {
		return strings.TrimSpace(strings.Join(parts[:3], " "))
	}
	return strings.TrimSpace(parts[0])
}

func renameStamped(acq *layout.Node) (string, error) {
	parent := acq.Parent.Path()
	base := stampedDirName(acq.Name)
	target := filepath.Join(parent, base)
	for n := 1; ; n++ {
		_, err := os.Lstat(target)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("inspect rename target: %w", err)
		}
		target = filepath.Join(parent, fmt.Sprintf("%s %d", base, n))
	}
	if err := os.Rename(acq.Path(), target); err != nil {
		return "", fmt.Errorf("rename stamped acquisition: %w", err)
	}
	return target, nil
}

func renameStampedFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list stamped acquisition: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := stampedExt(e.Name())
		if ext == "" {
			continue
		}
		tokens := strings.Split(e.Name(), "_")
		desc := strings.TrimSuffix(tokens[0], ext)
		if tokens[0] == universalPrefix && len(tokens) >= 3 {
			desc = strings.TrimSuffix(strings.Join(tokens[:3], "_"), ext)
		}
		src := filepath.Join(dir, e.Name())
		if ext == ".json" {
			doc, err := sidecar.Read(src)
			if err != nil {
				return err
			}
			doc["SeriesDescription"] = desc
			if err := sidecar.Write(src, doc); err != nil {
				return err
			}
		}
		dst := filepath.Join(dir, desc+ext)
		if dst == src {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("rename stamped file: %w", err)
		}
	}
	return nil
}

func stampedExt(name string) string {
	for _, ext := range []string{".json", ".nii.gz", ".bval", ".bvec"} {
		if strings.HasSuffix(name, ext) {
			return ext
		}
	}
	return ""
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
