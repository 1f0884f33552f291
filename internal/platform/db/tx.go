package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

// TxFromContext returns the transaction started by WithTx or a Transactor, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection stored in ctx and
// returns a derived context carrying it. The caller owns Commit/Rollback.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Transactor runs fn inside one database transaction. Repositories reached
// through the ctx handed to fn pick the transaction up via TxFromContext.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PgTransactor is the pgx-backed Transactor. It prefers the tenant connection
// acquired by TenantMiddleware so search_path is honoured, and falls back to
// the pool for CLI and background callers.
type PgTransactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) *PgTransactor {
	return &PgTransactor{pool: pool}
}

func (t *PgTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	// Nested calls join the outer transaction.
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else if t.pool != nil {
		tx, err = t.pool.Begin(ctx)
	} else {
		return errors.New("no database connection in context")
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
