package preflight

import (
	"context"
	"strings"

	"imagedeid/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Work root", cfg.Paths.WorkRoot))
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	results = append(results, CheckRegistry(cfg))

	if strings.TrimSpace(cfg.Paths.DiagnosisMap) != "" {
		results = append(results, CheckDiagnosisMap(cfg))
	}

	if strings.TrimSpace(cfg.Archive.URL) != "" {
		results = append(results, CheckArchive(ctx, cfg.Archive))
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
