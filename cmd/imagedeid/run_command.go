package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"imagedeid/internal/config"
	"imagedeid/internal/deps"
	"imagedeid/internal/logging"
	"imagedeid/internal/notifications"
	"imagedeid/internal/pipeline"
	"imagedeid/internal/preflight"
	"imagedeid/internal/services"
)

// errStudiesNotPlaced signals a completed run with blocked or failed studies.
var errStudiesNotPlaced = errors.New("some studies were not placed")

func newRunCommand(ctx *commandContext) *cobra.Command {
	var skipModalities []string
	var mappingPath string
	var source string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "run [study-id...]",
		Short: "Fetch, resolve, convert, and place studies",
		Long: "Run processes the given archive studies (or, with no arguments, every study the\n" +
			"archive holds that the ledger has not recorded). With --source local the sessions\n" +
			"already under the workspace DICOMs directory are processed instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if failed := preflight.Failed(preflight.RunAll(cmd.Context(), cfg)); len(failed) > 0 {
				return preflightError(failed)
			}
			if missing := deps.Missing(preflight.CheckSystemDeps(cfg)); len(missing) > 0 {
				return dependencyError(missing)
			}

			program, site := ctx.namespace()
			req := pipeline.Request{
				StudyIDs:     args,
				Program:      program,
				Site:         site,
				OverridePath: mappingPath,
				Source:       source,
			}
			if cmd.Flags().Changed("skip-modalities") {
				req.SkipModalities = normalizeModalities(skipModalities)
			}

			var summary *pipeline.Summary
			err = ctx.withRunner(func(runner *pipeline.Runner) error {
				var runErr error
				summary, runErr = runner.Run(cmd.Context(), req)
				return runErr
			})
			notifyRun(cmd, ctx, workspaceLabel(cfg, program, site), summary, err)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(cmd, summary); err != nil {
					return err
				}
			} else {
				printSummary(cmd.OutOrStdout(), summary, true)
			}
			if n := summary.Blocked() + summary.Failed(); n > 0 {
				return fmt.Errorf("%w: %d blocked, %d failed", errStudiesNotPlaced, summary.Blocked(), summary.Failed())
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&skipModalities, "skip-modalities", nil, "Comma-separated modalities to skip (overrides archive.skip_modalities; empty skips nothing)")
	cmd.Flags().StringVar(&mappingPath, "sub-id-mapping", "", "CSV of c_id plus accession or mrn consulted before registry matching")
	cmd.Flags().StringVar(&source, "source", "", "Study source: archive or local (default from run.source)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the run summary as JSON")
	return cmd
}

func newValidateCommand(ctx *commandContext) *cobra.Command {
	var mappingPath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "validate [study-id...]",
		Short: "Resolve studies in the workspace and write review tables without changing files",
		RunE: func(cmd *cobra.Command, args []string) error {
			program, site := ctx.namespace()
			req := pipeline.Request{
				StudyIDs:     args,
				Program:      program,
				Site:         site,
				OverridePath: mappingPath,
			}

			var summary *pipeline.Summary
			err := ctx.withRunner(func(runner *pipeline.Runner) error {
				var runErr error
				summary, runErr = runner.Validate(cmd.Context(), req)
				return runErr
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, summary)
			}
			printSummary(cmd.OutOrStdout(), summary, false)
			return nil
		},
	}

	cmd.Flags().StringVar(&mappingPath, "sub-id-mapping", "", "CSV of c_id plus accession or mrn consulted before registry matching")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the validation summary as JSON")
	return cmd
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var raw bool
	var markProcessed bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "List archive studies not yet recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return ctx.withRunner(func(runner *pipeline.Runner) error {
				pending, err := runner.Check(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if raw {
					for _, id := range pending {
						fmt.Fprintln(out, id)
					}
				} else if len(pending) == 0 {
					fmt.Fprintln(out, "No pending studies")
				} else {
					rows := make([][]string, 0, len(pending))
					for i, id := range pending {
						rows = append(rows, []string{strconv.Itoa(i + 1), id})
					}
					fmt.Fprintln(out, renderTable([]string{"#", "Study"}, rows, []columnAlignment{alignRight, alignLeft}))
					fmt.Fprintf(out, "%d studies pending\n", len(pending))
				}
				if !markProcessed || len(pending) == 0 {
					return nil
				}
				res, err := runner.Ledger().Import(cmd.Context(), pending)
				if err != nil {
					return fmt.Errorf("mark processed: %w", err)
				}
				if !raw {
					fmt.Fprintf(out, "Marked %d studies processed (%d already recorded)\n", res.Inserted, res.Conflicts)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of studies to list (0 for all)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print bare study IDs, one per line")
	cmd.Flags().BoolVar(&markProcessed, "mark-processed", false, "Record the listed studies in the ledger without processing them")
	return cmd
}

func printSummary(out io.Writer, summary *pipeline.Summary, withLedger bool) {
	if summary == nil {
		return
	}
	if len(summary.Results) == 0 {
		fmt.Fprintln(out, "No studies found")
	} else {
		headers := []string{"Study", "Accession", "Subject", "Session", "Collection", "Status", "Placed", "Quarantined", "Deleted"}
		aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight}
		if withLedger {
			headers = append(headers, "Ledger")
			aligns = append(aligns, alignLeft)
		}
		rows := make([][]string, 0, len(summary.Results))
		for _, res := range summary.Results {
			row := []string{
				dashIfEmpty(res.StudyID),
				dashIfEmpty(res.Accession),
				dashIfEmpty(res.CID),
				dashIfEmpty(res.SessionLabel),
				dashIfEmpty(res.Collection),
				string(res.Status),
				strconv.Itoa(res.Placed),
				strconv.Itoa(res.Quarantined),
				strconv.Itoa(res.Deleted),
			}
			if withLedger {
				row = append(row, dashIfEmpty(res.Ledger))
			}
			rows = append(rows, row)
		}
		fmt.Fprintln(out, renderTable(headers, rows, aligns))
	}

	colorize := shouldColorize(out)
	counts := summary.Counts()
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		st := services.StudyStatus(status)
		fmt.Fprintln(out, renderStatusLine(status, studyStatusKind(st), strconv.Itoa(counts[st]), colorize))
	}

	for _, line := range []struct{ label, path string }{
		{"Missing subjects", summary.Reports.MissingSubjects},
		{"Missing sessions", summary.Reports.MissingSessions},
		{"Missing diagnoses", summary.Reports.MissingDiagnoses},
		{"Subject mapping", summary.Reports.Mappings},
	} {
		if line.path != "" {
			fmt.Fprintf(out, "%s: %s\n", line.label, line.path)
		}
	}
}

// notifyRun publishes the run digest. Delivery problems are logged and
// never change the exit status.
func notifyRun(cmd *cobra.Command, ctx *commandContext, workspace string, summary *pipeline.Summary, runErr error) {
	cfg := ctx.configValue()
	if cfg == nil {
		return
	}
	svc := notifications.NewService(cfg.Notifications)
	if !notifications.Enabled(svc) {
		return
	}
	var err error
	if runErr != nil {
		err = svc.NotifyRunFailed(cmd.Context(), workspace, runErr)
	} else if summary != nil {
		err = svc.NotifyRunCompleted(cmd.Context(), runReport(workspace, summary))
	}
	if err == nil {
		return
	}
	if logger, logErr := ctx.ensureLogger(); logErr == nil {
		logging.WarnWithContext(logger, "run notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic or run imagedeid test-notify"),
			logging.String(logging.FieldImpact, "operators were not alerted about this run"),
		)
	}
}

func runReport(workspace string, summary *pipeline.Summary) notifications.RunReport {
	counts := make(map[string]int)
	for status, n := range summary.Counts() {
		counts[string(status)] = n
	}
	return notifications.RunReport{
		RunID:     summary.RunID,
		Workspace: workspace,
		Counts:    counts,
		Blocked:   summary.Blocked(),
		Failed:    summary.Failed(),
		Reports: []string{
			summary.Reports.MissingSubjects,
			summary.Reports.MissingSessions,
			summary.Reports.MissingDiagnoses,
		},
	}
}

func workspaceLabel(cfg *config.Config, program, site string) string {
	if program == "" {
		program = cfg.Run.Program
	}
	if site == "" {
		site = cfg.Run.Site
	}
	return program + "/" + site
}

func preflightError(failed []preflight.Result) error {
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(parts, "; "))
}

func dependencyError(missing []deps.Status) error {
	names := make([]string, 0, len(missing))
	for _, m := range missing {
		names = append(names, fmt.Sprintf("%s (%s)", m.Name, m.Detail))
	}
	return fmt.Errorf("missing dependencies: %s", strings.Join(names, ", "))
}

func normalizeModalities(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func dashIfEmpty(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
