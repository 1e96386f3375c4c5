package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"imagedeid/internal/config"
	"imagedeid/internal/logging"
	"imagedeid/internal/services"
)

func TestNewFromConfigWritesRunLog(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("run started", logging.String("program", "cbtn"))

	content, err := os.ReadFile(filepath.Join(cfg.LogDir(), logging.LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "run started") {
		t.Fatalf("expected message in run log, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "debug",
		OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestConsoleLoggerPrefixesStudyAndComponent(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithStudyID(context.Background(), "abc123")
	logger = logging.NewComponentLogger(logging.WithContext(ctx, logger), "restructure")
	logger.Info("acquisition placed", logging.String("target", "01 - T1 axial"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "[study abc123] restructure: acquisition placed") {
		t.Fatalf("unexpected console prefix: %q", line)
	}
	if !strings.Contains(line, `target="01 - T1 axial"`) {
		t.Fatalf("expected quoted attribute, got %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	logger, err := logging.New(logging.Options{Format: "console", Level: "invalid"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug to be disabled at default level")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info to be enabled")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStudyID(ctx, "1.2.840.1")
	ctx = services.WithStage(ctx, "convert")
	ctx = services.WithRequestID(ctx, "run-xyz")

	fields := logging.ContextFields(ctx)
	want := map[string]string{
		logging.FieldStudyID:       "1.2.840.1",
		logging.FieldStage:         "convert",
		logging.FieldCorrelationID: "run-xyz",
	}
	if len(fields) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(fields))
	}
	for _, f := range fields {
		if want[f.Key] != f.Value.String() {
			t.Fatalf("field %s = %q, want %q", f.Key, f.Value.String(), want[f.Key])
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logging.WarnWithContext(logger, "dob mismatch", "dob_conflict", logging.String(logging.FieldImpact, "header dob used"))

	out := buf.String()
	for _, fragment := range []string{`"event_type":"dob_conflict"`, `"error_hint":"check logs for details"`, `"impact":"header dob used"`} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %s in %s", fragment, out)
		}
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"7":        "*",
		"00012345": "******45",
	}
	for in, want := range cases {
		if got := logging.Mask(in); got != want {
			t.Fatalf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCleanupOldLogsHonorsPatternAndKeep(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	write := func(name string, age time.Duration) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		stamp := now.Add(-age)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		return path
	}
	stale := write("run-1.log", 72*time.Hour)
	fresh := write("run-2.log", time.Hour)
	current := write("imagedeid.log", 72*time.Hour)
	other := write("notes.txt", 72*time.Hour)

	removed := logging.CleanupOldLogs(logging.NewNop(), 1, now,
		logging.RetentionTarget{Dir: dir, Pattern: "*.log", Keep: []string{current}})
	if removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale log removed, stat err=%v", err)
	}
	for _, keep := range []string{fresh, current, other} {
		if _, err := os.Stat(keep); err != nil {
			t.Fatalf("expected %s to remain: %v", keep, err)
		}
	}
}

func TestPruneRunLogsKeepsActiveLog(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Logging.RetentionDays = 2
	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-96 * time.Hour)
	for _, name := range []string{logging.LogFileName, "imagedeid-2026-01-01.log"} {
		path := filepath.Join(cfg.LogDir(), name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}

	if removed := logging.PruneRunLogs(logging.NewNop(), &cfg); removed != 1 {
		t.Fatalf("expected one rotated log removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(cfg.LogDir(), logging.LogFileName)); err != nil {
		t.Fatalf("active log should remain: %v", err)
	}
}
