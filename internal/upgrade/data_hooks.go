package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DataHookFunc reshapes stored data after the SQL migration of its schema
// version. It runs inside the transaction that records it as applied.
type DataHookFunc func(ctx context.Context, tx *sql.Tx) error

type dataHook struct {
	SchemaVersion uint
	Name          string
	Fn            DataHookFunc
}

var registry []dataHook

// RegisterDataHook adds a hook. Names are unique; hooks run in
// registration order.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	registry = append(registry, dataHook{SchemaVersion: schemaVersion, Name: name, Fn: fn})
}

// PendingHooks lists hooks not yet recorded in data_migrations.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, hook := range registry {
		if !applied[hook.Name] {
			pending = append(pending, hook.Name)
		}
	}
	return pending, nil
}

// RunPendingHooks applies pending hooks in order and stops at the first
// failure. A failed hook leaves no partial writes and stays pending.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, hook := range registry {
		if applied[hook.Name] {
			continue
		}
		slog.Info("running data hook", "name", hook.Name, "schema_version", hook.SchemaVersion)
		start := time.Now()
		if err := runHook(ctx, db, hook); err != nil {
			return count, err
		}
		slog.Info("data hook complete", "name", hook.Name, "duration", time.Since(start))
		count++
	}
	return count, nil
}

func runHook(ctx context.Context, db *sql.DB, hook dataHook) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hook %q: %w", hook.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := hook.Fn(ctx, tx); err != nil {
		return fmt.Errorf("data hook %q: %w", hook.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, NOW())",
		hook.Name, hook.SchemaVersion,
	); err != nil {
		return fmt.Errorf("record hook %q: %w", hook.Name, err)
	}
	return tx.Commit()
}

// loadApplied returns the names recorded in data_migrations, creating the
// table on first use.
func loadApplied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       VARCHAR(255) PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("ensure data_migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
