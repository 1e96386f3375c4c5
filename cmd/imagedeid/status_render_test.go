package main

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"imagedeid/internal/deps"
	"imagedeid/internal/services"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Archive", statusError, "unreachable", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Archive:", "[ERROR] unreachable")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Ledger", statusOK, "3 studies recorded", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestDependencyLines(t *testing.T) {
	statuses := []deps.Status{
		{Name: "dcm2niix", Available: false, Detail: "binary \"dcm2niix\" not found"},
		{Name: "gdcmconv", Available: true, Command: "/usr/bin/gdcmconv"},
		{Name: "pigz", Available: false, Optional: true},
	}
	lines := dependencyLines(statuses, false)
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "[ERROR]") || !strings.Contains(lines[0], "Summary") {
		t.Fatalf("expected summary line first, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "[ERROR] binary") {
		t.Fatalf("expected error detail in second line, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "[OK] Ready (command: /usr/bin/gdcmconv)") {
		t.Fatalf("expected ready detail in third line, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "[WARN] not available") {
		t.Fatalf("expected optional warning in fourth line, got %q", lines[3])
	}
	if !strings.Contains(lines[4], "Missing dependencies:") {
		t.Fatalf("expected missing dependencies summary, got %q", lines[4])
	}
}

func TestStudyStatusKind(t *testing.T) {
	cases := map[services.StudyStatus]statusKind{
		services.StatusPlaced:               statusOK,
		services.StatusPartiallyQuarantined: statusWarn,
		services.StatusBlockedIdentity:      statusWarn,
		services.StatusFailed:               statusError,
		services.StatusSkipped:              statusInfo,
	}
	for status, want := range cases {
		if got := studyStatusKind(status); got != want {
			t.Fatalf("studyStatusKind(%s) = %d, want %d", status, got, want)
		}
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}

func TestStatusCommandReportsChecks(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"== Dependencies ==", "dcm2niix", "gdcmconv", "== Preflight ==", "Registry", "Ledger", env.configPath} {
		requireContains(t, out, want)
	}
}
