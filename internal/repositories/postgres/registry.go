// Package postgres implements the order and product repositories on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/checkout/internal/repositories"
)

// Registry wires the pgx-backed repositories around a shared pool.
type Registry struct {
	pool   *pgxpool.Pool
	uow    unitOfWork
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// Connect opens a pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return pool, nil
}

// NewRegistry builds the repository set. extraChecks are added to the readiness check
// alongside the pool ping.
func NewRegistry(pool *pgxpool.Pool, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres registry: pool is required")
	}
	checks := append([]repositories.DependencyCheck{{
		Name:    "postgres",
		Timeout: time.Second,
		Check:   pool.Ping,
	}}, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return &Registry{pool: pool, uow: unitOfWork{pool: pool}, health: health}, nil
}

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

func (r *Registry) Orders() repositories.OrderRepository {
	return &orderRepository{pool: r.pool}
}

func (r *Registry) Products() repositories.ProductRepository {
	return &productRepository{pool: r.pool}
}

func (r *Registry) Health() repositories.HealthRepository { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := r.uow.RunInTx(ctx, fn)
	var repoErr *repositories.Error
	if errors.As(err, &repoErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || pgconn.SafeToRetry(err) {
		return classify("postgres.tx", err)
	}
	return err
}

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// classify maps pgx failures onto repository error categories.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewNotFound(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgCheckViolation, pgSerializationFailure, pgDeadlockDetected:
			return repositories.NewConflict(op, err)
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return repositories.NewUnavailable(op, err)
	}
	return repositories.Wrap(op, err)
}
