package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"imagedeid/internal/config"
	"imagedeid/internal/deps"
	"imagedeid/internal/notifications"
	"imagedeid/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, dependency, and preflight status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			program, site := ctx.namespace()
			ws := cfg.Workspace(program, site)

			var lines []string
			lines = append(lines, renderSectionHeader("Configuration", colorize)...)
			lines = append(lines,
				renderStatusLine("Config file", statusInfo, ctx.configPath, colorize),
				renderStatusLine("Workspace", statusInfo, ws.Root, colorize),
				renderStatusLine("Source", statusInfo, cfg.Run.Source, colorize),
				notificationLine(cfg, colorize),
			)

			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Dependencies", colorize)...)
			lines = append(lines, dependencyLines(preflight.CheckSystemDeps(cfg), colorize)...)

			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Preflight", colorize)...)
			results := preflight.RunAll(cmd.Context(), cfg)
			results = append(results, preflight.CheckLedger(cmd.Context(), cfg))
			for _, r := range results {
				lines = append(lines, renderStatusLine(r.Name, preflightKind(r), r.Detail, colorize))
			}

			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func dependencyLines(statuses []deps.Status, colorize bool) []string {
	lines := make([]string, 0, len(statuses)+2)
	missing := deps.Missing(statuses)
	if len(missing) == 0 {
		lines = append(lines, renderStatusLine("Summary", statusOK, "All required dependencies available", colorize))
	} else {
		lines = append(lines, renderStatusLine("Summary", statusError,
			fmt.Sprintf("%d required dependencies missing", len(missing)), colorize))
	}

	names := make([]string, 0)
	for _, dep := range statuses {
		if dep.Available {
			message := "Ready"
			if dep.Command != "" {
				message = fmt.Sprintf("Ready (command: %s)", dep.Command)
			}
			lines = append(lines, renderStatusLine(dep.Name, statusOK, message, colorize))
			continue
		}
		detail := strings.TrimSpace(dep.Detail)
		if detail == "" {
			detail = "not available"
		}
		kind := statusError
		if dep.Optional {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, detail, colorize))
		names = append(names, dep.Name)
	}
	if len(names) > 0 {
		lines = append(lines, renderStatusLine("Missing dependencies", statusWarn,
			fmt.Sprintf("%s (install them or set conversion.*_binary)", strings.Join(names, ", ")), colorize))
	}
	return lines
}

func notificationLine(cfg *config.Config, colorize bool) string {
	if !notifications.Enabled(notifications.NewService(cfg.Notifications)) {
		return renderStatusLine("Notifications", statusWarn, "disabled (set notifications.ntfy_topic)", colorize)
	}
	return renderStatusLine("Notifications", statusOK, cfg.Notifications.NtfyTopic, colorize)
}

func preflightKind(r preflight.Result) statusKind {
	if r.Passed {
		return statusOK
	}
	return statusError
}
