package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"imagedeid/internal/archive"
	"imagedeid/internal/config"
	"imagedeid/internal/conversion"
	"imagedeid/internal/dicommeta"
	"imagedeid/internal/logging"
	"imagedeid/internal/pipeline"
	"imagedeid/internal/services"
	"imagedeid/internal/testsupport"
)

const registryCSV = `CBTN Subject ID,MRN,First Name,Last Name,DOB,Diagnosis,Age at Diagnosis
C100,00123,Jane,Doe,01/01/2010,Low-grade glioma,1500
C200,00456,John,Roe,,Unmapped thing,100
`

func fixedClock() time.Time {
	return time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
}

func header(dob, date, description string) dicommeta.Attributes {
	f := func(v string) dicommeta.Field {
		if v == "" {
			return dicommeta.Field{}
		}
		return dicommeta.Field{Value: v, Values: []string{v}, Found: true}
	}
	return dicommeta.Attributes{
		PatientBirthDate: f(dob),
		StudyDate:        f(date),
		AccessionNumber:  f("ACC"),
		StudyDescription: f(description),
	}
}

// headerReader serves attributes keyed by the session directory name.
type headerReader map[string]dicommeta.Attributes

func (h headerReader) ReadAttributes(path string) (dicommeta.Attributes, error) {
	attrs, ok := h[filepath.Base(filepath.Dir(filepath.Dir(path)))]
	if !ok {
		return dicommeta.Attributes{}, errors.New("no header")
	}
	return attrs, nil
}

// stubConverter writes a volume and sidecar for acquisitions it knows about.
type stubConverter struct {
	t        *testing.T
	sidecars map[string]map[string]any
	calls    []string
}

func (c *stubConverter) convert(acqDir string) conversion.Report {
	c.calls = append(c.calls, filepath.Base(acqDir))
	fields, ok := c.sidecars[filepath.Base(acqDir)]
	if !ok {
		return conversion.Report{Dir: acqDir, Attempts: 2, Err: errors.New("no volume produced")}
	}
	name := fields["SeriesDescription"].(string)
	testsupport.WriteFile(c.t, filepath.Join(acqDir, name+".nii.gz"), 32)
	testsupport.WriteSidecar(c.t, filepath.Join(acqDir, name+".json"), fields)
	return conversion.Report{Dir: acqDir, Attempts: 1, Produced: true}
}

func (c *stubConverter) ConvertAll(_ context.Context, acqDirs []string) ([]conversion.Report, error) {
	reports := make([]conversion.Report, 0, len(acqDirs))
	for _, dir := range acqDirs {
		reports = append(reports, c.convert(dir))
	}
	return reports, nil
}

func fullSidecar(description string, series int) map[string]any {
	fields := testsupport.SidecarWithFields(24, description, "MR")
	fields["SeriesNumber"] = series
	fields["InstitutionName"] = "General Hospital"
	return fields
}

func shortSidecar(description string, series int) map[string]any {
	fields := testsupport.SidecarWithFields(6, description, "MR")
	fields["SeriesNumber"] = series
	return fields
}

type stubArchive struct {
	t        *testing.T
	studies  []string
	modality map[string]string
	fetched  []string
}

func (a *stubArchive) ListStudies(context.Context) ([]string, error) {
	return a.studies, nil
}

func (a *stubArchive) SeriesMetadata(_ context.Context, id string) ([]archive.Series, error) {
	modality := a.modality[id]
	if modality == "" {
		modality = "MR"
	}
	return []archive.Series{{ID: id + "-1", Modality: modality}}, nil
}

func (a *stubArchive) FetchStudy(_ context.Context, id, destDir string) (string, error) {
	a.fetched = append(a.fetched, id)
	testsupport.WriteFile(a.t, filepath.Join(destDir, "00123 DOE JANE", "ACC1 MRI BRAIN", "5 T1_AX", "IM1.dcm"), 10)
	zip := filepath.Join(destDir, id+".zip")
	testsupport.WriteFile(a.t, zip, 10)
	return zip, nil
}

func (a *stubArchive) PatientBirthDate(context.Context, string) (string, error) {
	return "", nil
}

type fixture struct {
	cfg       *config.Config
	ws        config.Workspace
	converter *stubConverter
	headers   headerReader
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	opts = append([]testsupport.ConfigOption{
		testsupport.WithDiagnosisMap(map[string]string{"Low-grade glioma": "LGG"}),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	testsupport.WriteText(t, cfg.Paths.RegistryCSV, registryCSV)
	return &fixture{
		cfg:       cfg,
		ws:        cfg.Workspace("", ""),
		converter: &stubConverter{t: t, sidecars: map[string]map[string]any{}},
		headers:   headerReader{},
	}
}

func (f *fixture) addSession(t *testing.T, subject, session string, attrs dicommeta.Attributes, acqs ...string) {
	t.Helper()
	f.headers[session] = attrs
	for _, acq := range acqs {
		testsupport.WriteFile(t, filepath.Join(f.ws.DICOMDir, subject, session, acq, "IM1.dcm"), 10)
	}
}

func (f *fixture) runner(t *testing.T, opts ...pipeline.Option) *pipeline.Runner {
	t.Helper()
	opts = append([]pipeline.Option{
		pipeline.WithConverter(f.converter),
		pipeline.WithDICOMReader(f.headers),
		pipeline.WithClock(fixedClock),
	}, opts...)
	r, err := pipeline.New(f.cfg, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func resultFor(t *testing.T, s *pipeline.Summary, accession string) pipeline.StudyResult {
	t.Helper()
	for _, r := range s.Results {
		if r.Accession == accession {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", accession, s.Results)
	return pipeline.StudyResult{}
}

func TestRunLocalPlacesAndQuarantines(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "00123 DOE JANE", "ACC1 MRI BRAIN", header("20100101", "20150625", "MRI brain w/o contrast"),
		"5 T1_AX", "6 LOCALIZER", "OT SCREEN")
	f.converter.sidecars["5 T1_AX"] = fullSidecar("T1_AX", 5)
	f.converter.sidecars["6 LOCALIZER"] = shortSidecar("LOCALIZER", 6)

	summary, err := f.runner(t).Run(context.Background(), pipeline.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := resultFor(t, summary, "ACC1")
	if res.Status != services.StatusPartiallyQuarantined {
		t.Fatalf("status = %s (%s)", res.Status, res.Detail)
	}
	if res.CID != "C100" || res.SessionLabel != "2001d_B_brain" || res.Collection != "LGG" {
		t.Fatalf("unexpected identity %+v", res)
	}
	if res.Placed != 1 || res.Quarantined != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if slices.Contains(f.converter.calls, "OT SCREEN") {
		t.Fatal("pruned modality should not be converted")
	}

	placed := filepath.Join(f.ws.OutputDir, "LGG", "C100", "2001d_B_brain", "05 - T1_AX")
	if _, err := os.Stat(filepath.Join(placed, "T1_AX.nii.gz")); err != nil {
		t.Fatalf("expected placed volume: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(placed, "T1_AX.json"))
	if err != nil {
		t.Fatalf("read placed sidecar: %v", err)
	}
	if strings.Contains(string(data), "InstitutionName") {
		t.Fatal("expected institution field to be filtered")
	}
	quarantined := filepath.Join(f.ws.QuarantineDir, "LGG", "C100", "2001d_B_brain", "06 - LOCALIZER", "LOCALIZER.nii.gz")
	if _, err := os.Stat(quarantined); err != nil {
		t.Fatalf("expected quarantined volume: %v", err)
	}

	if filepath.Base(summary.Reports.Mappings) != "sub_mapping_2026-03-04.csv" {
		t.Fatalf("unexpected mapping report %q", summary.Reports.Mappings)
	}
	if summary.Reports.MissingSubjects != "" || summary.Reports.MissingSessions != "" {
		t.Fatalf("unexpected missing reports %+v", summary.Reports)
	}
	if res.Ledger != "" {
		t.Fatalf("local runs should not touch the ledger, got %q", res.Ledger)
	}
}

func TestRunBlocksUnresolvedSessions(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "99999 NOBODY XAVIER", "ACC2 MRI BRAIN", header("20100101", "20150625", "MRI brain"), "5 T1")
	f.addSession(t, "00123 DOE JANE", "ACC3 XR FOOT", header("20100101", "20150625", "XR FOOT"), "1 AP")
	f.addSession(t, "00456 ROE JOHN", "ACC4 MRI SPINE", header("20120101", "20150625", "MRI spine"), "2 SAG")
	f.converter.sidecars["5 T1"] = fullSidecar("T1", 5)
	f.converter.sidecars["1 AP"] = fullSidecar("AP", 1)
	f.converter.sidecars["2 SAG"] = fullSidecar("SAG", 2)

	summary, err := f.runner(t).Run(context.Background(), pipeline.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]services.StudyStatus{
		"ACC2": services.StatusBlockedIdentity,
		"ACC3": services.StatusBlockedSession,
		"ACC4": services.StatusBlockedProject,
	}
	for accession, status := range want {
		if got := resultFor(t, summary, accession).Status; got != status {
			t.Fatalf("%s status = %s, want %s", accession, got, status)
		}
	}
	if summary.Blocked() != 3 {
		t.Fatalf("Blocked() = %d", summary.Blocked())
	}
	if len(f.converter.calls) != 0 {
		t.Fatalf("blocked sessions must not be converted, got %v", f.converter.calls)
	}
	for _, path := range []string{summary.Reports.MissingSubjects, summary.Reports.MissingSessions, summary.Reports.MissingDiagnoses} {
		if path == "" {
			t.Fatalf("expected every missing report, got %+v", summary.Reports)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("report missing on disk: %v", err)
		}
	}
	data, err := os.ReadFile(summary.Reports.MissingSubjects)
	if err != nil || !strings.Contains(string(data), "ACC2") {
		t.Fatalf("missing subject report lacks ACC2: %q (%v)", data, err)
	}
	if summary.Reports.Mappings != "" {
		t.Fatalf("no session resolved a project, got mapping %q", summary.Reports.Mappings)
	}
	if _, err := os.Stat(f.ws.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("output tree should not exist, stat err = %v", err)
	}
}

func TestRunPrunesAcquisitionsByHeaderModality(t *testing.T) {
	f := newFixture(t)
	attrs := header("20100101", "20150625", "MRI brain")
	attrs.Modality = dicommeta.Field{Value: "sr", Values: []string{"sr"}, Found: true}
	f.addSession(t, "00123 DOE JANE", "ACC3 MRI BRAIN", attrs, "4 DOSE INFO")

	summary, err := f.runner(t).Run(context.Background(), pipeline.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Results) != 0 {
		t.Fatalf("expected pruned session to leave no results, got %+v", summary.Results)
	}
	if slices.Contains(f.converter.calls, "4 DOSE INFO") {
		t.Fatal("structured report should not be converted")
	}
	if _, err := os.Stat(filepath.Join(f.ws.DICOMDir, "00123 DOE JANE")); !os.IsNotExist(err) {
		t.Fatalf("expected pruned subject removed, stat err = %v", err)
	}
}

func TestRunMarksEmptySession(t *testing.T) {
	f := newFixture(t)
	if err := os.MkdirAll(filepath.Join(f.ws.DICOMDir, "00123 DOE JANE", "ACC5 MRI BRAIN", "3 EMPTY"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	summary, err := f.runner(t).Run(context.Background(), pipeline.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := resultFor(t, summary, "ACC5").Status; got != services.StatusEmpty {
		t.Fatalf("status = %s", got)
	}
}

func TestRunFailsSessionWhenEveryAcquisitionIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "00123 DOE JANE", "ACC2 MRI BRAIN", header("20100101", "20150625", "MRI brain"), "7 DWI")

	summary, err := f.runner(t).Run(context.Background(), pipeline.Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := resultFor(t, summary, "ACC2")
	if res.Status != services.StatusFailed || res.Deleted != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(filepath.Join(f.ws.DICOMDir, "00123 DOE JANE")); !os.IsNotExist(err) {
		t.Fatalf("expected emptied input subject removed, stat err = %v", err)
	}
	if _, err := os.Stat(f.ws.DICOMDir); err != nil {
		t.Fatalf("input root should remain: %v", err)
	}
}

func TestRunArchiveRecordsLedger(t *testing.T) {
	f := newFixture(t, testsupport.WithArchiveURL("http://archive.invalid"))
	f.headers["ACC1 MRI BRAIN"] = header("20100101", "20150625", "MRI brain")
	f.converter.sidecars["5 T1_AX"] = fullSidecar("T1_AX", 5)
	arch := &stubArchive{t: t, studies: []string{"s1", "s2"}, modality: map[string]string{"s2": "US"}}
	r := f.runner(t, pipeline.WithArchive(arch))

	summary, err := r.Run(context.Background(), pipeline.Request{StudyIDs: []string{"s1", "s2"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Results) != 2 {
		t.Fatalf("unexpected results %+v", summary.Results)
	}
	first, skipped := summary.Results[0], summary.Results[1]
	if first.StudyID != "s1" || first.Status != services.StatusPlaced || first.Ledger != "inserted" {
		t.Fatalf("unexpected s1 result %+v", first)
	}
	if skipped.StudyID != "s2" || skipped.Status != services.StatusSkipped || skipped.Ledger != "inserted" {
		t.Fatalf("unexpected s2 result %+v", skipped)
	}
	if !slices.Equal(arch.fetched, []string{"s1"}) {
		t.Fatalf("skipped study should not be fetched: %v", arch.fetched)
	}

	again, err := r.Run(context.Background(), pipeline.Request{StudyIDs: []string{"s1"}})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.Results[0].Ledger != "conflict" {
		t.Fatalf("expected ledger conflict, got %+v", again.Results[0])
	}
	ids, err := r.Ledger().ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if !slices.Equal(ids, []string{"s1", "s2"}) {
		t.Fatalf("unexpected ledger %v", ids)
	}
}

func TestRunRejectsBusyWorkspace(t *testing.T) {
	f := newFixture(t)
	if err := f.ws.EnsureWorkspace(); err != nil {
		t.Fatalf("EnsureWorkspace: %v", err)
	}
	held := flock.New(f.ws.LockPath)
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	_, err = f.runner(t).Run(context.Background(), pipeline.Request{})
	if !errors.Is(err, pipeline.ErrWorkspaceBusy) {
		t.Fatalf("expected ErrWorkspaceBusy, got %v", err)
	}
}

func TestValidateWritesReportsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "00123 DOE JANE", "ACC1 MRI BRAIN", header("20100101", "20150625", "MRI brain"), "5 T1_AX", "OT SCREEN")
	f.converter.sidecars["5 T1_AX"] = fullSidecar("T1_AX", 5)

	summary, err := f.runner(t).Validate(context.Background(), pipeline.Request{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	res := resultFor(t, summary, "ACC1")
	if res.Status != pipeline.StatusReady || res.SessionLabel != "2001d_B_brain" || res.Collection != "LGG" {
		t.Fatalf("unexpected result %+v", res)
	}
	if summary.Reports.Mappings == "" {
		t.Fatal("expected a mapping report")
	}
	if len(f.converter.calls) != 0 {
		t.Fatalf("validate must not convert: %v", f.converter.calls)
	}
	if _, err := os.Stat(filepath.Join(f.ws.DICOMDir, "00123 DOE JANE", "ACC1 MRI BRAIN", "OT SCREEN")); err != nil {
		t.Fatalf("validate must not prune: %v", err)
	}
	if _, err := os.Stat(f.ws.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("validate must not create output, stat err = %v", err)
	}
}

func TestCheckFiltersProcessedStudies(t *testing.T) {
	f := newFixture(t, testsupport.WithArchiveURL("http://archive.invalid"))
	arch := &stubArchive{t: t, studies: []string{"s1", "s2", "s3"}}
	r := f.runner(t, pipeline.WithArchive(arch))
	if _, err := r.Ledger().InsertIfAbsent(context.Background(), "s1"); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	pending, err := r.Check(context.Background(), 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !slices.Equal(pending, []string{"s2", "s3"}) {
		t.Fatalf("pending = %v", pending)
	}
	limited, err := r.Check(context.Background(), 1)
	if err != nil || !slices.Equal(limited, []string{"s2"}) {
		t.Fatalf("limited = %v, %v", limited, err)
	}
}

func TestCheckRequiresArchive(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(t).Check(context.Background(), 0)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewFailsBeforeTouchingWorkspace(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(f.cfg.Paths.RegistryCSV); err != nil {
		t.Fatalf("remove registry: %v", err)
	}
	_, err := pipeline.New(f.cfg, logging.NewNop(), pipeline.WithConverter(f.converter))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := os.Stat(f.ws.Root); !os.IsNotExist(err) {
		t.Fatalf("workspace should not exist, stat err = %v", err)
	}
}
