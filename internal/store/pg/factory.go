package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(cfg.PostgresDSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	return newStores(db, &PGTransactor{db: db}), db, nil
}

func newStores(q dbtx, tx store.Transactor) *store.Stores {
	return &store.Stores{
		Users:         &PGUserStore{db: q},
		Conversations: &PGConversationStore{db: q},
		Messages:      &PGMessageStore{db: q},
		Reactions:     &PGReactionStore{db: q},
		Invariants:    &PGInvariantChecker{db: q},
		Tx:            tx,
	}
}

// PGTransactor implements store.Transactor with database/sql transactions.
type PGTransactor struct {
	db *sql.DB
}

func (t *PGTransactor) WithinTx(ctx context.Context, fn func(tx *store.Stores) error) error {
	sqlTx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStores := newStores(sqlTx, nil)
	txStores.Tx = joinTx{stores: txStores}
	if err := fn(txStores); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// joinTx is the Transactor handed out inside a transaction: nested calls
// run in the outer transaction.
type joinTx struct {
	stores *store.Stores
}

func (j joinTx) WithinTx(_ context.Context, fn func(tx *store.Stores) error) error {
	return fn(j.stores)
}
