package restructure_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"imagedeid/internal/dicommeta"
	"imagedeid/internal/restructure"
	"imagedeid/internal/sidecar"
	"imagedeid/internal/testsupport"
)

func TestScanSessionsParsesIdentity(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(root, "000123 DOE JANE", "ACC77 MRI BRAIN", "MR_1", "1.dcm"), 4)
	testsupport.WriteFile(t, filepath.Join(root, "BROKEN", "ACC78", "MR_1", "1.dcm"), 4)

	sessions, err := restructure.ScanSessions(root)
	if err != nil {
		t.Fatalf("ScanSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	good := sessions[0]
	if good.Err != nil || good.Subject.MRN != "000123" || good.Subject.LastName != "DOE" ||
		good.Subject.FirstName != "JANE" || good.Subject.Accession != "ACC77" {
		t.Fatalf("unexpected subject %+v (err=%v)", good.Subject, good.Err)
	}
	if good.Path() != filepath.Join(root, "000123 DOE JANE", "ACC77 MRI BRAIN") {
		t.Fatalf("unexpected path %q", good.Path())
	}
	if sessions[1].Err == nil {
		t.Fatal("expected malformed subject directory to carry an error")
	}
}

func TestPruneModalities(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"1 A A/ACC1/OT Screen/1.dcm",
		"1 A A/ACC1/MR T1/1.dcm",
		"1 A A/ACC1/sr_report/1.dcm",
		"1 A A/ACC1/OT000003/1.dcm",
		"1 A A/ACC1/SR000010/1.dcm",
		"2 B B/ACC2/XA 1/1.dcm",
		"1 A A/ACC1/OTHER/1.dcm",
	} {
		testsupport.WriteFile(t, filepath.Join(root, p), 4)
	}

	removed, err := restructure.PruneModalities(root, []string{"OT", "SR", "XA", "US"}, nil)
	if err != nil {
		t.Fatalf("PruneModalities: %v", err)
	}
	if removed != 5 {
		t.Fatalf("expected 5 removals, got %d", removed)
	}
	for _, keep := range []string{"1 A A/ACC1/MR T1", "1 A A/ACC1/OTHER"} {
		if _, err := os.Stat(filepath.Join(root, keep)); err != nil {
			t.Fatalf("expected %s kept", keep)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "2 B B")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected emptied subject pruned")
	}
}

// seriesByAcquisition answers ReadSeriesInfo from the acquisition directory name.
type seriesByAcquisition map[string]string

func (s seriesByAcquisition) ReadSeriesInfo(path string) (dicommeta.SeriesInfo, error) {
	modality, ok := s[filepath.Base(filepath.Dir(path))]
	if !ok {
		return dicommeta.SeriesInfo{}, errors.New("unreadable record")
	}
	return dicommeta.SeriesInfo{Modality: modality}, nil
}

func TestPruneModalitiesFallsBackToHeaderModality(t *testing.T) {
	root := t.TempDir()
	for _, acq := range []string{"7 Dose Report", "8 Cine", "9 T2_AX", "10 Unknown"} {
		testsupport.WriteFile(t, filepath.Join(root, "1 A A", "ACC1", acq, "1.dcm"), 4)
	}
	series := seriesByAcquisition{"7 Dose Report": "SR", "8 Cine": "XA", "9 T2_AX": "MR"}

	removed, err := restructure.PruneModalities(root, []string{"OT", "SR", "XA", "US"}, series)
	if err != nil {
		t.Fatalf("PruneModalities: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	for _, keep := range []string{"9 T2_AX", "10 Unknown"} {
		if _, err := os.Stat(filepath.Join(root, "1 A A", "ACC1", keep)); err != nil {
			t.Fatalf("expected %s kept", keep)
		}
	}
	for _, gone := range []string{"7 Dose Report", "8 Cine"} {
		if _, err := os.Stat(filepath.Join(root, "1 A A", "ACC1", gone)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s pruned by header modality", gone)
		}
	}
}

func TestPruneSessions(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(root, "1 A A", "ACC1 NM BONE SCAN", "NM", "1.dcm"), 4)
	testsupport.WriteFile(t, filepath.Join(root, "1 A A", "ACC2 MR SCRIPT", "MR", "1.dcm"), 4)
	testsupport.WriteFile(t, filepath.Join(root, "1 A A", "ACC3 MRI BRAIN", "MR", "1.dcm"), 4)

	removed, err := restructure.PruneSessions(root, []string{"script", "Bone Scan"})
	if err != nil {
		t.Fatalf("PruneSessions: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "1 A A", "ACC3 MRI BRAIN")); err != nil {
		t.Fatal("expected unrelated session kept")
	}
}

func TestFilterSidecars(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "Brain", "C1", "1d_B_brain", "01 - T1", "T1.json")
	b := filepath.Join(root, "Brain", "C1", "1d_B_brain", "02 - T2", "T2.json")
	testsupport.WriteSidecar(t, a, map[string]any{"InstitutionName": "General", "StationName": "MR1", "EchoTime": 0.01})
	testsupport.WriteSidecar(t, b, map[string]any{"EchoTime": 0.02})

	n, err := restructure.FilterSidecars(root, []string{"InstitutionName", "StationName"})
	if err != nil {
		t.Fatalf("FilterSidecars: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one sidecar rewritten, got %d", n)
	}
	doc, err := sidecar.Read(a)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["InstitutionName"]; ok || len(doc) != 1 {
		t.Fatalf("unexpected filtered sidecar %v", doc)
	}
}

func TestStripDiffusionDates(t *testing.T) {
	root := t.TempDir()
	session := filepath.Join(root, "Brain", "C1", "1d_B_brain")
	stamped := filepath.Join(session, "07 - DTI 2020-01-02 10:15:00 EDT")
	testsupport.WriteSidecar(t, filepath.Join(stamped, "DTI_2020-01-02_10_15_00_EDT.json"), map[string]any{"SeriesDescription": "DTI 2020-01-02 10:15:00 EDT"})
	testsupport.WriteFile(t, filepath.Join(stamped, "DTI_2020-01-02_10_15_00_EDT.nii.gz"), 8)
	testsupport.WriteFile(t, filepath.Join(stamped, "DTI_2020-01-02_10_15_00_EDT.bval"), 8)
	testsupport.WriteFile(t, filepath.Join(session, "07 - DTI 2020-01-02 10", "keep.json"), 2)
	testsupport.WriteFile(t, filepath.Join(session, "08 - T1", "T1.json"), 2)

	renamed, err := restructure.StripDiffusionDates(root, []string{"EDT", "EST", "PDT", "PST"})
	if err != nil {
		t.Fatalf("StripDiffusionDates: %v", err)
	}
	if renamed != 1 {
		t.Fatalf("expected one rename, got %d", renamed)
	}
	target := filepath.Join(session, "07 - DTI 2020-01-02 10 1")
	for _, name := range []string{"DTI.json", "DTI.nii.gz", "DTI.bval"} {
		if _, err := os.Stat(filepath.Join(target, name)); err != nil {
			t.Fatalf("expected %s in %s: %v", name, target, err)
		}
	}
	doc, err := sidecar.Read(filepath.Join(target, "DTI.json"))
	if err != nil {
		t.Fatal(err)
	}
	if desc := doc.String("SeriesDescription"); desc != "DTI" || strings.Contains(desc, "2020") {
		t.Fatalf("unexpected SeriesDescription %q", desc)
	}
}

func TestStripDiffusionDatesReportsUninspectableTarget(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := t.TempDir()
	session := filepath.Join(root, "Brain", "C1", "1d_B_brain")
	testsupport.WriteFile(t, filepath.Join(session, "07 - DTI 2020-01-02 10:15:00 EDT", "DTI.json"), 2)
	// Listable but not searchable, so stat on any entry fails with EACCES.
	if err := os.Chmod(session, 0o400); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(session, 0o755) })

	done := make(chan error, 1)
	go func() {
		_, err := restructure.StripDiffusionDates(root, []string{"EDT"})
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error for an uninspectable rename target")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StripDiffusionDates did not return")
	}
}
