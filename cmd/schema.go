package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/store"
	"github.com/nextlevelbuilder/convlink/internal/store/pg"
	"github.com/nextlevelbuilder/convlink/internal/upgrade"
)

// ErrInvariantsBroken is returned when the schema is current but the stored
// conversation graph fails the data-model checks.
var ErrInvariantsBroken = errors.New("stored data violates conversation invariants")

// maxListedViolations caps how many individual violations are printed.
const maxListedViolations = 20

var migrationsDir string

// resolveMigrationsDir picks --migrations-dir, then CONVLINK_MIGRATIONS_DIR,
// then database.migrations_dir, then ./migrations next to the executable.
func resolveMigrationsDir(cfg *config.Config) string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("CONVLINK_MIGRATIONS_DIR"); v != "" {
		return v
	}
	if cfg != nil && cfg.Database.MigrationsDir != "" {
		return config.ExpandHome(cfg.Database.MigrationsDir)
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// loadManagedConfig loads the config and requires a Postgres DSN.
func loadManagedConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("CONVLINK_POSTGRES_DSN environment variable is not set")
	}
	return cfg, nil
}

// withMigrator runs fn against a migrator bound to the configured database
// and migrations directory.
func withMigrator(cfg *config.Config, fn func(m *migrate.Migrate) error) error {
	m, err := migrate.New("file://"+resolveMigrationsDir(cfg), cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	return fn(m)
}

// schemaTarget is the managed database as seen by the schema commands.
type schemaTarget struct {
	cfg *config.Config
	db  *sql.DB
}

func openSchemaTarget(cfg *config.Config) (*schemaTarget, error) {
	db, err := pg.OpenDB(cfg.Database.PostgresDSN, 2, 1)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &schemaTarget{cfg: cfg, db: db}, nil
}

func (t *schemaTarget) Close() error { return t.db.Close() }

func (t *schemaTarget) status(ctx context.Context) (*upgrade.SchemaStatus, error) {
	s, err := upgrade.CheckSchema(ctx, t.db)
	if err != nil {
		return nil, fmt.Errorf("check schema: %w", err)
	}
	return s, nil
}

// upgradeResult reports one pass of apply.
type upgradeResult struct {
	From       uint
	To         uint
	Hooks      int
	Violations []store.Violation
}

// apply migrates to the newest schema, runs pending data hooks and then
// re-checks the conversation graph. Violations are reported, not fixed.
func (t *schemaTarget) apply(ctx context.Context, from uint) (upgradeResult, error) {
	res := upgradeResult{From: from, To: from}
	err := withMigrator(t.cfg, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("read version: %w", err)
		}
		res.To = v
		return nil
	})
	if err != nil {
		return res, err
	}

	if res.Hooks, err = upgrade.RunPendingHooks(ctx, t.db); err != nil {
		return res, fmt.Errorf("data hooks: %w", err)
	}
	if res.Violations, err = t.verify(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (t *schemaTarget) verify(ctx context.Context) ([]store.Violation, error) {
	return verifyInvariants(ctx, pg.NewInvariantChecker(t.db))
}

func verifyInvariants(ctx context.Context, checker store.InvariantChecker) ([]store.Violation, error) {
	v, err := checker.CheckInvariants(ctx)
	if err != nil {
		return nil, fmt.Errorf("check invariants: %w", err)
	}
	return v, nil
}

// violationCounts groups violations by rule for logging.
func violationCounts(vs []store.Violation) map[string]int {
	counts := make(map[string]int)
	for _, v := range vs {
		counts[v.Rule]++
	}
	return counts
}

// logViolations emits one warning per broken rule.
func logViolations(vs []store.Violation) {
	counts := violationCounts(vs)
	rules := make([]string, 0, len(counts))
	for r := range counts {
		rules = append(rules, r)
	}
	sort.Strings(rules)
	for _, r := range rules {
		slog.Warn("invariant violated", "rule", r, "count", counts[r])
	}
}

// renderViolations prints the first maxListedViolations entries.
func renderViolations(w io.Writer, vs []store.Violation) {
	if len(vs) == 0 {
		fmt.Fprintln(w, "  Invariants:      OK")
		return
	}
	fmt.Fprintf(w, "  Invariants:      %d violation(s)\n", len(vs))
	for i, v := range vs {
		if i == maxListedViolations {
			fmt.Fprintf(w, "    ... %d more\n", len(vs)-i)
			break
		}
		fmt.Fprintf(w, "    - %s\n", v)
	}
}
