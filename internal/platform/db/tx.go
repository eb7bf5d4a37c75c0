package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txKey struct{}

// TxFromContext returns the transaction started by WithTx, if any.
// Repositories use it so that calls made inside fn share one transaction.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Transactor runs fn inside a unit of work.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// WithTx returns a Transactor that runs fn in a pool transaction, committing
// when fn returns nil. Nested calls join the outer transaction.
func WithTx(pool *pgxpool.Pool) Transactor {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		if TxFromContext(ctx) != nil {
			return fn(ctx)
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
}

// NoTx runs fn directly, for stores that are atomic per call.
func NoTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
