package conversion_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"imagedeid/internal/config"
	"imagedeid/internal/conversion"
	"imagedeid/internal/dicommeta"
	"imagedeid/internal/logging"
	"imagedeid/internal/services"
	"imagedeid/internal/sidecar"
	"imagedeid/internal/testsupport"
)

type call struct {
	binary string
	args   []string
}

type stubExecutor struct {
	calls []call
	// produceOn is the 1-based dcm2niix invocation that writes a volume.
	// Zero means no invocation does.
	produceOn int
	failOn    map[int]bool
	dcmRuns   int
}

func (s *stubExecutor) Run(_ context.Context, binary string, args []string, onOutput func(string)) error {
	s.calls = append(s.calls, call{binary: binary, args: append([]string(nil), args...)})
	if binary != "dcm2niix" {
		return nil
	}
	s.dcmRuns++
	onOutput("Chris Rorden's dcm2niiX version v1.0")
	dir := args[len(args)-1]
	if s.produceOn == s.dcmRuns {
		_ = os.WriteFile(filepath.Join(dir, "T1_AX.nii.gz"), []byte("nii"), 0o644)
		_ = os.WriteFile(filepath.Join(dir, "T1_AX.json"), []byte(`{"Modality":"MR"}`), 0o644)
	}
	if s.failOn[s.dcmRuns] {
		return errors.New("exit status 1")
	}
	return nil
}

func (s *stubExecutor) count(binary string) int {
	n := 0
	for _, c := range s.calls {
		if c.binary == binary {
			n++
		}
	}
	return n
}

type stubSpacing struct {
	spacing dicommeta.Spacing
	err     error
}

func (s stubSpacing) ReadSpacing(context.Context, []string) (dicommeta.Spacing, error) {
	return s.spacing, s.err
}

func newOrchestrator(t *testing.T, exec conversion.Executor, spacing conversion.SpacingReader) *conversion.Orchestrator {
	t.Helper()
	cfg := config.Conversion{Dcm2niixBinary: "dcm2niix", GdcmconvBinary: "gdcmconv", TimeoutSeconds: 30}
	o, err := conversion.New(cfg, logging.NewNop(), conversion.WithExecutor(exec), conversion.WithSpacingReader(spacing))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func acquisition(t *testing.T, files ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "123 DOE JANE", "ACC1 MRI BRAIN", "MR_T1")
	for _, f := range files {
		testsupport.WriteFile(t, filepath.Join(dir, f), 16)
	}
	return dir
}

func TestConvertPrimarySuccessEnrichesSidecars(t *testing.T) {
	dir := acquisition(t, "1.dcm", "2.dcm")
	exec := &stubExecutor{produceOn: 1}
	o := newOrchestrator(t, exec, stubSpacing{spacing: dicommeta.Spacing{Row: 0.5, Column: 0.75, Slice: 3}})

	rep := o.Convert(context.Background(), dir)

	if !rep.Produced || rep.Attempts != 1 || rep.Err != nil || !rep.Enriched {
		t.Fatalf("unexpected report %+v", rep)
	}
	want := []string{"-b", "y", "-ba", "y", "-f", "%d", "-p", "y", "-z", "y", "-v", "0", dir}
	got := exec.calls[0].args
	if len(got) != len(want) {
		t.Fatalf("unexpected args %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
	if exec.count("gdcmconv") != 0 {
		t.Fatal("gdcmconv should not run after a successful primary attempt")
	}

	fields, err := sidecar.Read(filepath.Join(dir, "T1_AX.json"))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	for key, want := range map[string]string{"dim1": "0.5", "dim2": "0.75", "dim3": "3"} {
		num, ok := fields[key].(json.Number)
		if !ok || num.String() != want {
			t.Fatalf("%s = %v, want %s", key, fields[key], want)
		}
	}
}

func TestConvertRetriesOnceAfterDecompressing(t *testing.T) {
	dir := acquisition(t, "1.dcm", "2.dcm")
	exec := &stubExecutor{produceOn: 2, failOn: map[int]bool{1: true}}
	o := newOrchestrator(t, exec, stubSpacing{err: dicommeta.ErrNoSpacing})

	rep := o.Convert(context.Background(), dir)

	if !rep.Produced || rep.Attempts != 2 || rep.Err != nil {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Enriched {
		t.Fatal("sidecars should not be enriched without spacing")
	}
	if exec.count("gdcmconv") != 2 {
		t.Fatalf("expected gdcmconv per DICOM file, got calls %+v", exec.calls)
	}
	gd := exec.calls[1]
	if gd.args[0] != "-w" || gd.args[1] != gd.args[2] {
		t.Fatalf("unexpected gdcmconv args %v", gd.args)
	}
	last := exec.calls[len(exec.calls)-1]
	if last.binary != "dcm2niix" || last.args[0] != "-w" || last.args[1] != "1" {
		t.Fatalf("expected overwrite retry, got %+v", last)
	}
}

func TestConvertNeverMakesThirdAttempt(t *testing.T) {
	dir := acquisition(t, "1.dcm")
	exec := &stubExecutor{failOn: map[int]bool{1: true, 2: true}}
	o := newOrchestrator(t, exec, stubSpacing{})

	rep := o.Convert(context.Background(), dir)

	if rep.Produced || rep.Attempts != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if exec.count("dcm2niix") != 2 {
		t.Fatalf("expected exactly two dcm2niix runs, got %d", exec.count("dcm2niix"))
	}
	if !errors.Is(rep.Err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", rep.Err)
	}
}

func TestConvertSkipsConvertedAcquisition(t *testing.T) {
	dir := acquisition(t, "1.dcm", "done.nii.gz")
	exec := &stubExecutor{}
	o := newOrchestrator(t, exec, stubSpacing{})

	rep := o.Convert(context.Background(), dir)

	if !rep.Skipped || !rep.Produced || rep.Attempts != 0 || len(exec.calls) != 0 {
		t.Fatalf("unexpected report %+v calls %+v", rep, exec.calls)
	}
}

func TestConvertAllKeepsOrderAndStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	var dirs []string
	for _, name := range []string{"MR_b", "MR_a", "MR_c"} {
		dir := filepath.Join(root, name)
		testsupport.WriteFile(t, filepath.Join(dir, "1.dcm"), 8)
		dirs = append(dirs, dir)
	}

	exec := &stubExecutor{produceOn: 1}
	o := newOrchestrator(t, exec, stubSpacing{err: dicommeta.ErrNoSpacing})

	reports, err := o.ConvertAll(context.Background(), dirs)
	if err != nil {
		t.Fatalf("ConvertAll: %v", err)
	}
	if len(reports) != len(dirs) {
		t.Fatalf("unexpected reports %+v", reports)
	}
	for i := range dirs {
		if reports[i].Dir != dirs[i] {
			t.Fatalf("report %d dir = %q, want %q", i, reports[i].Dir, dirs[i])
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reports, err = o.ConvertAll(ctx, dirs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no reports after cancel, got %d", len(reports))
	}
}

func TestNewRequiresBinaries(t *testing.T) {
	if _, err := conversion.New(config.Conversion{Dcm2niixBinary: "dcm2niix"}, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
