package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories called
// with the ctx passed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders and provides query helpers for buyers and operators.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// LockByID loads the order and holds a row lock until the surrounding transaction ends.
	LockByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	SalesByMonth(ctx context.Context, filter SalesFilter) ([]domain.SalesPeriod, error)
}

// ProductRepository owns the stock of record.
type ProductRepository interface {
	Upsert(ctx context.Context, product domain.Product) error
	FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error)
	// DecrementStock removes quantity units from stock, failing with an InventoryError when
	// fewer units remain.
	DecrementStock(ctx context.Context, productID string, quantity int) (domain.Product, error)
}

// OrderListFilter narrows order listings. An empty BuyerID lists every buyer's orders.
type OrderListFilter struct {
	BuyerID string
	Limit   int
}

// SalesFilter bounds the analytics aggregation window.
type SalesFilter struct {
	From time.Time
	To   time.Time
}
