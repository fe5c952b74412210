package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/upgrade"
)

// ErrUpgradeFailed is returned when upgrade cannot proceed.
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

func upgradeCmd() *cobra.Command {
	var dryRun bool
	var status bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Bring the conversation schema up to date and verify stored links",
		Long: "Applies pending SQL migrations and data hooks, then re-checks every conversation, " +
			"query, response and reaction against the linkage rules. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.IsManagedMode() {
				fmt.Println("  Mode:            standalone (snapshot store, no schema)")
				return nil
			}
			t, err := openSchemaTarget(cfg)
			if err != nil {
				return err
			}
			defer t.Close()

			if status {
				return runUpgradeStatus(cmd.Context(), t, os.Stdout)
			}
			return runUpgrade(cmd.Context(), t, os.Stdout, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "show schema version, pending hooks and invariant state")
	return cmd
}

func printSchemaStatus(w io.Writer, s *upgrade.SchemaStatus) {
	fmt.Fprintf(w, "  App version:     %s\n", Version)
	fmt.Fprintf(w, "  Schema current:  %d\n", s.CurrentVersion)
	fmt.Fprintf(w, "  Schema required: %d\n", s.RequiredVersion)
	switch {
	case s.Dirty:
		fmt.Fprintln(w, "  Status:          DIRTY (failed migration)")
	case s.Compatible:
		fmt.Fprintln(w, "  Status:          UP TO DATE")
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Fprintln(w, "  Status:          BINARY TOO OLD")
	default:
		fmt.Fprintf(w, "  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
	}
}

func printPendingHooks(ctx context.Context, t *schemaTarget, w io.Writer) {
	pending, err := upgrade.PendingHooks(ctx, t.db)
	if err != nil {
		slog.Debug("could not check pending data hooks", "error", err)
		return
	}
	fmt.Fprintf(w, "  Pending hooks:   %d\n", len(pending))
	for _, name := range pending {
		fmt.Fprintf(w, "    - %s\n", name)
	}
}

func runUpgradeStatus(ctx context.Context, t *schemaTarget, w io.Writer) error {
	s, err := t.status(ctx)
	if err != nil {
		return err
	}
	printSchemaStatus(w, s)
	if s.Dirty {
		fmt.Fprint(w, "\n"+upgrade.FormatError(s))
		return nil
	}
	printPendingHooks(ctx, t, w)

	// Only a compatible schema has the tables the checks read.
	if s.Compatible {
		vs, err := t.verify(ctx)
		if err != nil {
			return err
		}
		renderViolations(w, vs)
	}
	if s.NeedsMigration {
		fmt.Fprintln(w, "\n  Run 'convlink upgrade' to apply all pending changes.")
	}
	return nil
}

func runUpgrade(ctx context.Context, t *schemaTarget, w io.Writer, dryRun bool) error {
	s, err := t.status(ctx)
	if err != nil {
		return err
	}
	printSchemaStatus(w, s)
	fmt.Fprintln(w)
	if s.Dirty || s.CurrentVersion > s.RequiredVersion {
		fmt.Fprint(w, upgrade.FormatError(s))
		return ErrUpgradeFailed
	}

	if dryRun {
		if s.NeedsMigration {
			fmt.Fprintf(w, "  Would apply SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		}
		printPendingHooks(ctx, t, w)
		return nil
	}

	res, err := t.apply(ctx, s.CurrentVersion)
	if err != nil {
		fmt.Fprintln(w, "  FAILED")
		return err
	}
	fmt.Fprintf(w, "  Schema:          v%d -> v%d\n", res.From, res.To)
	fmt.Fprintf(w, "  Data hooks:      %d applied\n", res.Hooks)
	renderViolations(w, res.Violations)
	if len(res.Violations) > 0 {
		return fmt.Errorf("%w: %d found", ErrInvariantsBroken, len(res.Violations))
	}
	fmt.Fprintln(w, "\n  Upgrade complete.")
	return nil
}

// checkSchemaOrAutoUpgrade gates gateway startup on schema compatibility.
// With CONVLINK_AUTO_UPGRADE=true an outdated schema is upgraded inline and
// the stored graph is re-checked; violations are logged, not fatal.
func checkSchemaOrAutoUpgrade(ctx context.Context, cfg *config.Config) error {
	t, err := openSchemaTarget(cfg)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	defer t.Close()

	s, err := t.status(ctx)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if s.Compatible {
		slog.Info("schema check passed", "current", s.CurrentVersion, "required", s.RequiredVersion)
		return nil
	}
	if s.Dirty || s.CurrentVersion > s.RequiredVersion || os.Getenv("CONVLINK_AUTO_UPGRADE") != "true" {
		return errors.New(upgrade.FormatError(s))
	}

	slog.Info("auto-upgrade: applying migrations", "from", s.CurrentVersion, "to", s.RequiredVersion)
	res, err := t.apply(ctx, s.CurrentVersion)
	if err != nil {
		return fmt.Errorf("auto-upgrade: %w", err)
	}
	if len(res.Violations) > 0 {
		logViolations(res.Violations)
	}
	slog.Info("auto-upgrade complete", "version", res.To, "data_hooks", res.Hooks, "violations", len(res.Violations))
	return nil
}
