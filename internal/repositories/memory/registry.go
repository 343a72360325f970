// Package memory provides mutex-guarded repositories for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// Registry keeps every record in process memory. RunInTx serialises transactions and
// restores the previous state when fn fails.
type Registry struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	orders   map[string]domain.Order
	products map[string]domain.Product
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds an empty registry seeded with the supplied products.
func NewRegistry(products ...domain.Product) *Registry {
	reg := &Registry{
		orders:   make(map[string]domain.Order),
		products: make(map[string]domain.Product),
	}
	for _, product := range products {
		reg.products[product.ID] = product
	}
	health, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "memory", Check: func(context.Context) error { return nil }},
	})
	reg.health = health
	return reg
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Orders() repositories.OrderRepository { return orderRepository{reg: r} }

func (r *Registry) Products() repositories.ProductRepository { return productRepository{reg: r} }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

type txKey struct{}

// RunInTx runs fn while holding the registry's transaction lock. Nested calls join the
// outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	ordersSnapshot := make(map[string]domain.Order, len(r.orders))
	for id, order := range r.orders {
		ordersSnapshot[id] = cloneOrder(order)
	}
	productsSnapshot := make(map[string]domain.Product, len(r.products))
	for id, product := range r.products {
		productsSnapshot[id] = product
	}
	r.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, struct{}{})); err != nil {
		r.mu.Lock()
		r.orders = ordersSnapshot
		r.products = productsSnapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

type orderRepository struct {
	reg *Registry
}

func (o orderRepository) Insert(_ context.Context, order domain.Order) error {
	o.reg.mu.Lock()
	defer o.reg.mu.Unlock()
	if _, exists := o.reg.orders[order.ID]; exists {
		return repositories.NewConflict("orders.insert", errAlreadyExists(order.ID))
	}
	if err := o.reg.paymentTaken(order); err != nil {
		return repositories.NewConflict("orders.insert", err)
	}
	o.reg.orders[order.ID] = cloneOrder(order)
	return nil
}

func (o orderRepository) Update(_ context.Context, order domain.Order) error {
	o.reg.mu.Lock()
	defer o.reg.mu.Unlock()
	if _, exists := o.reg.orders[order.ID]; !exists {
		return repositories.NewNotFound("orders.update", errMissing(order.ID))
	}
	if err := o.reg.paymentTaken(order); err != nil {
		return repositories.NewConflict("orders.update", err)
	}
	o.reg.orders[order.ID] = cloneOrder(order)
	return nil
}

// paymentTaken mirrors the unique (provider, payment id) index of the relational store.
// Callers hold mu.
func (r *Registry) paymentTaken(order domain.Order) error {
	if order.Payment == nil || order.Payment.PaymentID == "" {
		return nil
	}
	for id, other := range r.orders {
		if id == order.ID || other.Payment == nil {
			continue
		}
		if other.Payment.Provider == order.Payment.Provider && other.Payment.PaymentID == order.Payment.PaymentID {
			return fmt.Errorf("payment %s/%s already recorded on order %s", order.Payment.Provider, order.Payment.PaymentID, id)
		}
	}
	return nil
}

func (o orderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	o.reg.mu.RLock()
	defer o.reg.mu.RUnlock()
	order, ok := o.reg.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.find", errMissing(orderID))
	}
	return cloneOrder(order), nil
}

// LockByID relies on the registry transaction lock, so it is a plain read here.
func (o orderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	return o.FindByID(ctx, orderID)
}

func (o orderRepository) List(_ context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	o.reg.mu.RLock()
	defer o.reg.mu.RUnlock()

	var out []domain.Order
	for _, order := range o.reg.orders {
		if filter.BuyerID != "" && order.BuyerID != filter.BuyerID {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (o orderRepository) SalesByMonth(_ context.Context, filter repositories.SalesFilter) ([]domain.SalesPeriod, error) {
	o.reg.mu.RLock()
	defer o.reg.mu.RUnlock()

	periods := make(map[string]*domain.SalesPeriod)
	for _, order := range o.reg.orders {
		if !order.IsPaid || order.IsCancelled || order.PaidAt == nil {
			continue
		}
		paidAt := order.PaidAt.UTC()
		if !filter.From.IsZero() && paidAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !paidAt.Before(filter.To) {
			continue
		}
		key := paidAt.Format("2006-01")
		period, ok := periods[key]
		if !ok {
			period = &domain.SalesPeriod{Period: key, TotalSales: decimal.Zero}
			periods[key] = period
		}
		period.TotalSales = period.TotalSales.Add(order.Pricing.GrandTotal)
		period.OrderCount++
	}

	out := make([]domain.SalesPeriod, 0, len(periods))
	for _, period := range periods {
		out = append(out, *period)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

type productRepository struct {
	reg *Registry
}

func (p productRepository) Upsert(_ context.Context, product domain.Product) error {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	p.reg.products[product.ID] = product
	return nil
}

func (p productRepository) FindByIDs(_ context.Context, productIDs []string) ([]domain.Product, error) {
	p.reg.mu.RLock()
	defer p.reg.mu.RUnlock()
	out := make([]domain.Product, 0, len(productIDs))
	for _, id := range productIDs {
		if product, ok := p.reg.products[strings.TrimSpace(id)]; ok {
			out = append(out, product)
		}
	}
	return out, nil
}

func (p productRepository) DecrementStock(_ context.Context, productID string, quantity int) (domain.Product, error) {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()
	product, ok := p.reg.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewProductNotFoundError("products.decrement", productID, quantity)
	}
	if product.Stock < quantity {
		return domain.Product{}, repositories.NewInsufficientStockError("products.decrement", productID, quantity, product.Stock)
	}
	product.Stock -= quantity
	product.UpdatedAt = time.Now().UTC()
	p.reg.products[productID] = product
	return product, nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.LineItems = append([]domain.LineItem(nil), order.LineItems...)
	if order.Payment != nil {
		payment := *order.Payment
		order.Payment = &payment
	}
	return order
}

func errMissing(id string) error {
	return fmt.Errorf("record %s not found", id)
}

func errAlreadyExists(id string) error {
	return fmt.Errorf("record %s already exists", id)
}
