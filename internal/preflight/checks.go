package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"imagedeid/internal/archive"
	"imagedeid/internal/config"
	"imagedeid/internal/deps"
	"imagedeid/internal/ledger"
	"imagedeid/internal/project"
	"imagedeid/internal/registry"
	"imagedeid/internal/services"
)

// CheckArchive verifies Orthanc connectivity and credentials.
func CheckArchive(ctx context.Context, cfg config.Archive) Result {
	const name = "Archive"
	client, err := archive.New(cfg)
	if err != nil {
		return Result{Name: name, Detail: "missing url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := client.System(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeArchiveError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("Reachable (%s %s)", info.Name, info.Version)}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckRegistry parses the registry snapshot with the configured columns.
func CheckRegistry(cfg *config.Config) Result {
	const name = "Registry"
	snap, err := registry.LoadSnapshot(cfg.Paths.RegistryCSV, cfg.Registry.Columns)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%d rows (%s)", len(snap.Rows), snap.Encoding)
	if n := len(snap.Warnings); n > 0 {
		detail += fmt.Sprintf(", %d warnings", n)
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckDiagnosisMap loads the diagnosis map file.
func CheckDiagnosisMap(cfg *config.Config) Result {
	const name = "Diagnosis map"
	table, err := project.ResolveDiagnosisMap(cfg.Paths.DiagnosisMap, cfg.Projects.DiagnosisMap)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d diagnoses", len(table))}
}

// CheckLedger opens the ledger and runs its health check.
func CheckLedger(ctx context.Context, cfg *config.Config) Result {
	const name = "Ledger"
	store, err := ledger.Open(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	defer store.Close()

	health, err := store.CheckHealth(ctx)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	if !health.IntegrityCheck {
		return Result{Name: name, Detail: fmt.Sprintf("%s (integrity check failed)", health.DBPath)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d studies recorded", health.TotalStudies)}
}

// CheckSystemDeps evaluates the external tools conversion needs.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.ConversionRequirements(cfg.Conversion))
}

// summarizeArchiveError produces a human-readable summary for archive check failures.
func summarizeArchiveError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, services.ErrTimeout) {
		return "health check timed out (archive unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (archive unreachable)"
	}
	if errors.Is(err, services.ErrConfiguration) {
		return "auth failed (check archive credentials)"
	}
	return err.Error()
}
