package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/store"
	"github.com/nextlevelbuilder/convlink/internal/store/memory"
	"github.com/nextlevelbuilder/convlink/internal/store/pg"
)

// openStores returns the Postgres stores in managed mode (after the schema
// gate) and the snapshot-backed in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, func(), error) {
	if !cfg.IsManagedMode() {
		path := cfg.StoragePath()
		db, err := memory.New(path, memory.WithFlushInterval(cfg.Sessions.SnapshotInterval.Std()))
		if err != nil {
			return nil, nil, fmt.Errorf("open memory store: %w", err)
		}
		slog.Info("standalone mode: in-memory store", "snapshot", path, "counts", db.Counts())
		return db.Stores(), func() {
			if err := db.Close(); err != nil {
				slog.Error("flush memory store", "path", path, "error", err)
			}
		}, nil
	}

	if err := checkSchemaOrAutoUpgrade(ctx, cfg); err != nil {
		return nil, nil, err
	}
	stores, db, err := pg.NewPGStores(store.StoreConfig{
		PostgresDSN:  cfg.Database.PostgresDSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("managed mode: postgres store", "max_open_conns", cfg.Database.MaxOpenConns)
	return stores, func() { db.Close() }, nil
}
