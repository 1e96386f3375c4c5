package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"imagedeid/internal/config"
)

// RetentionTarget is a directory of log files subject to retention. Files
// matching Pattern are pruned once they fall outside the window; paths in
// Keep never are.
type RetentionTarget struct {
	Dir     string
	Pattern string
	Keep    []string
}

// RunLogTarget covers rotated logs in the configured log directory and keeps
// the active run log.
func RunLogTarget(cfg *config.Config) RetentionTarget {
	dir := cfg.LogDir()
	return RetentionTarget{
		Dir:     dir,
		Pattern: "*.log",
		Keep:    []string{filepath.Join(dir, LogFileName)},
	}
}

// PruneRunLogs applies logging.retention_days to RunLogTarget.
func PruneRunLogs(logger *slog.Logger, cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	return CleanupOldLogs(logger, cfg.Logging.RetentionDays, time.Now(), RunLogTarget(cfg))
}

// CleanupOldLogs removes target files last modified more than retentionDays
// before now and returns how many were removed. Zero days disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, now time.Time, targets ...RetentionTarget) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, target := range targets {
		for _, path := range target.expired(cutoff) {
			if err := os.Remove(path); err != nil {
				WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
					String("path", path),
					Error(err),
					String(FieldErrorHint, "check ownership of the state directory"),
					String(FieldImpact, "old run log stays on disk"),
				)
				continue
			}
			removed++
		}
	}
	if removed > 0 && logger != nil {
		logger.Info("old run logs pruned",
			Int("removed", removed),
			Int("retention_days", retentionDays),
			String(FieldEventType, "log_pruned"),
		)
	}
	return removed
}

func (t RetentionTarget) expired(cutoff time.Time) []string {
	dir := strings.TrimSpace(t.Dir)
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	keep := make(map[string]bool, len(t.Keep))
	for _, p := range t.Keep {
		if strings.TrimSpace(p) != "" {
			keep[absPath(p)] = true
		}
	}
	pattern := strings.TrimSpace(t.Pattern)

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			if ok, err := filepath.Match(pattern, entry.Name()); err != nil || !ok {
				continue
			}
		}
		path := absPath(filepath.Join(dir, entry.Name()))
		if keep[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func absPath(p string) string {
	p = strings.TrimSpace(p)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
