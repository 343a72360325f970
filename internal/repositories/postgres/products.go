package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

type productRepository struct {
	pool *pgxpool.Pool
}

func (r *productRepository) Upsert(ctx context.Context, product domain.Product) error {
	updatedAt := product.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO products (id, name, unit_price, stock, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, unit_price = EXCLUDED.unit_price,
		    stock = EXCLUDED.stock, updated_at = EXCLUDED.updated_at`,
		product.ID, product.Name, product.UnitPrice, product.Stock, updatedAt)
	return classify("products.upsert", err)
}

func (r *productRepository) FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, name, unit_price, stock, updated_at
		FROM products WHERE id = ANY($1)
		ORDER BY id`, productIDs)
	if err != nil {
		return nil, classify("products.find", err)
	}

	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		var p domain.Product
		err := row.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, classify("products.find", fmt.Errorf("pgx.CollectRows: %w", err))
	}
	return products, nil
}

// DecrementStock issues a conditional update so concurrent buyers can never drive stock
// below zero. A zero-row update is disambiguated into not-found or insufficient stock.
func (r *productRepository) DecrementStock(ctx context.Context, productID string, quantity int) (domain.Product, error) {
	const op = "products.decrement"
	q := conn(ctx, r.pool)

	var p domain.Product
	err := q.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING id, name, unit_price, stock, updated_at`, productID, quantity).
		Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.UpdatedAt)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, classify(op, err)
	}

	var available int
	err = q.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, repositories.NewProductNotFoundError(op, productID, quantity)
	}
	if err != nil {
		return domain.Product{}, classify(op, err)
	}
	return domain.Product{}, repositories.NewInsufficientStockError(op, productID, quantity, available)
}
