package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convlink/internal/backfill"
	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/metrics"
)

func backfillCmd() *cobra.Command {
	var (
		jsonlPath  string
		sqlitePath string
		table      string
		dryRun     bool
		asJSON     bool
		window     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import a legacy message log in one all-or-nothing batch",
		Long: "Replays a legacy flat message log (JSONL or SQLite) into users, conversations, queries and responses. " +
			"Every response is linked to a query; the batch is validated against all data invariants before commit. " +
			"Stop the gateway (or pause the affected channels) while it runs. " +
			"Rows that carry an external message id are skipped on a rerun; rows without one are imported again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if table == "" {
				table = cfg.Backfill.SQLiteTable
			}
			src, err := backfillSource(jsonlPath, sqlitePath, table)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rows, err := src.Rows(ctx)
			if err != nil {
				return err
			}

			stores, closeStores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			if !cmd.Flags().Changed("continuity-window") {
				window = cfg.ContinuityWindow()
			}
			rec := backfill.NewReconciler(stores.Tx, backfill.Options{
				ContinuityWindow:   window,
				PlaceholderEpsilon: cfg.Backfill.PlaceholderEpsilon.Std(),
				DryRun:             dryRun,
			})
			report, err := rec.Run(ctx, rows)
			if err != nil {
				return err
			}
			if report.Committed {
				metrics.RecordBackfillRows("query", report.Queries)
				metrics.RecordBackfillRows("response", report.Responses)
				metrics.RecordBackfillRows("placeholder", report.Placeholders)
				metrics.RecordBackfillRows("fallback", report.Fallbacks)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return report.Render(os.Stdout)
		},
	}

	cmd.Flags().StringVar(&jsonlPath, "jsonl", "", "legacy log as JSON lines")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "legacy log as a SQLite database")
	cmd.Flags().StringVar(&table, "table", "", "legacy table in the SQLite database (default: backfill.sqlite_table)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the batch, then roll it back")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&window, "continuity-window", 0, "continuity window for legacy rows (default: sessions.continuity_window)")
	return cmd
}

func backfillSource(jsonlPath, sqlitePath, table string) (backfill.Source, error) {
	switch {
	case jsonlPath != "" && sqlitePath != "":
		return nil, errors.New("use either --jsonl or --sqlite, not both")
	case jsonlPath != "":
		return backfill.JSONLSource{Path: jsonlPath}, nil
	case sqlitePath != "":
		return backfill.SQLiteSource{Path: sqlitePath, Table: table}, nil
	}
	return nil, errors.New("one of --jsonl or --sqlite is required")
}
