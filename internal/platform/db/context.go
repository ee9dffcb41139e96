package db

import (
	"context"
	"database/sql"
	"fmt"
)

type contextKey string

const txKey contextKey = "db_tx"

// WithTx returns a child context carrying tx. Repository methods called with
// the returned context run their statements on tx instead of the database
// handle, so a service can make several repository calls one atomic unit.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext retrieves the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey).(*sql.Tx)
	return tx
}

// InTx begins a transaction, runs fn with a context carrying it, and commits.
// Any error from fn rolls the transaction back and is returned unchanged.
func InTx(ctx context.Context, sdb *sql.DB, fn func(ctx context.Context) error) error {
	tx, err := sdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
