package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"imagedeid/internal/ledger"
)

func newImportLedgerCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "import-ledger <file.json>",
		Short: "Record study IDs from a JSON array as processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := readStudyIDs(args[0])
			if err != nil {
				return err
			}
			return withLedger(ctx, func(store *ledger.Store) error {
				res, err := store.Import(cmd.Context(), ids)
				if err != nil {
					return fmt.Errorf("import ledger: %w", err)
				}
				if jsonOutput {
					return writeJSON(cmd, map[string]int{
						"inserted":  res.Inserted,
						"conflicts": res.Conflicts,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d studies (%d inserted, %d already recorded)\n",
					res.Inserted+res.Conflicts, res.Inserted, res.Conflicts)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output counts as JSON")
	return cmd
}

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the processed-study ledger",
	}
	ledgerCmd.AddCommand(newLedgerListCommand(ctx))
	ledgerCmd.AddCommand(newLedgerHealthCommand(ctx))
	return ledgerCmd
}

func newLedgerListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processed study IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(ctx, func(store *ledger.Store) error {
				if jsonOutput {
					ids, err := store.ListAll(cmd.Context())
					if err != nil {
						return err
					}
					if ids == nil {
						ids = []string{}
					}
					return writeJSON(cmd, ids)
				}
				entries, err := store.Entries(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "Ledger is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for i, e := range entries {
					recorded := "-"
					if !e.RecordedAt.IsZero() {
						recorded = e.RecordedAt.Local().Format("2006-01-02 15:04:05")
					}
					rows = append(rows, []string{strconv.Itoa(i + 1), e.StudyID, recorded})
				}
				fmt.Fprintln(out, renderTable([]string{"#", "Study", "Recorded"}, rows, []columnAlignment{alignRight, alignLeft, alignLeft}))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output study IDs as a JSON array")
	return cmd
}

func newLedgerHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show ledger database diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(ctx, func(store *ledger.Store) error {
				health, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Database", health.DBPath},
					{"Exists", yesNo(health.DatabaseExists)},
					{"Readable", yesNo(health.DatabaseReadable)},
					{"Schema version", strconv.Itoa(health.SchemaVersion)},
					{"Integrity check", yesNo(health.IntegrityCheck)},
					{"Studies recorded", strconv.Itoa(health.TotalStudies)},
				}
				if health.Error != "" {
					rows = append(rows, []string{"Error", health.Error})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "Value"}, rows, nil))
				return nil
			})
		},
	}
}

func withLedger(ctx *commandContext, fn func(*ledger.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := ledger.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// readStudyIDs loads a JSON array of study ID strings.
func readStudyIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse %s: expected a JSON array of study IDs: %w", path, err)
	}
	return ids, nil
}
