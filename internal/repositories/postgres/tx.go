package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// conn returns the transaction bound to ctx, falling back to the pool.
func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return pool
}

// withTx executes fn within the transaction already bound to ctx, or opens a new one on
// the pool and commits it when fn succeeds.
func withTx[T any](ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, q querier) (T, error)) (_ T, txErr error) {
	var zero T

	if tx, ok := txFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, err
	}

	defer func() {
		if txErr != nil {
			rollbackErr := tx.Rollback(ctx)
			if rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				txErr = errors.Join(txErr, fmt.Errorf("tx.Rollback: %w", rollbackErr))
			}
		}
	}()

	result, err := fn(context.WithValue(ctx, txKey{}, tx), tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}
	return result, nil
}

// unitOfWork exposes withTx through repositories.UnitOfWork.
type unitOfWork struct {
	pool *pgxpool.Pool
}

func (u unitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := withTx(ctx, u.pool, func(ctx context.Context, _ querier) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
