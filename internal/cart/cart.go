// Package cart keeps a buyer's pending selection and shipping draft per session.
package cart

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

var (
	// ErrStockLimit reports an add that would push a line past its stock ceiling. Concrete
	// failures are *StockLimitError.
	ErrStockLimit = errors.New("cart: stock limit exceeded")
	// ErrInvalidQuantity reports an add of fewer than one unit.
	ErrInvalidQuantity = errors.New("cart: quantity must be at least 1")
	// ErrInvalidProduct reports a product snapshot without an id.
	ErrInvalidProduct = errors.New("cart: product id required")
	// ErrNoSession reports an aggregator built without a session key.
	ErrNoSession = errors.New("cart: session key required")
)

// StockLimitError carries the ceiling the rejected add ran into.
type StockLimitError struct {
	ProductID string
	Variant   string
	Ceiling   int
	Proposed  int
}

func (e *StockLimitError) Error() string {
	return fmt.Sprintf("%s: %s would reach %d, only %d available", ErrStockLimit, e.ProductID, e.Proposed, e.Ceiling)
}

func (e *StockLimitError) Is(target error) bool {
	return target == ErrStockLimit
}

// State is the persisted document for one session.
type State struct {
	Lines       []domain.CartLine
	Destination *domain.Destination
	UpdatedAt   time.Time
}

// Store persists session documents. Load of an unknown key returns an empty State.
type Store interface {
	Load(ctx context.Context, key string) (State, error)
	Save(ctx context.Context, key string, state State) error
	Delete(ctx context.Context, key string) error
}

// Aggregator mutates the cart of one session. Mutations are single-writer per session.
type Aggregator struct {
	store   Store
	session string
	now     func() time.Time
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock injects a clock for the UpdatedAt stamp.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.now = clock
		}
	}
}

// New binds an aggregator to store and session.
func New(store Store, session string, opts ...Option) (*Aggregator, error) {
	if store == nil {
		return nil, errors.New("cart: store is required")
	}
	session = strings.TrimSpace(session)
	if session == "" {
		return nil, ErrNoSession
	}
	a := &Aggregator{store: store, session: session, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Session returns the key the aggregator is bound to.
func (a *Aggregator) Session() string {
	return a.session
}

// Add merges quantity units of product into the line keyed by (product, variant). The
// whole add is refused when the merged quantity would exceed the product's stock; the
// quantity is never clamped. Name, price and ceiling are refreshed from product.
func (a *Aggregator) Add(ctx context.Context, product domain.Product, quantity int, variant string) (domain.CartLine, error) {
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return domain.CartLine{}, ErrInvalidProduct
	}
	if quantity < 1 {
		return domain.CartLine{}, ErrInvalidQuantity
	}
	variant = strings.TrimSpace(variant)

	state, err := a.store.Load(ctx, a.session)
	if err != nil {
		return domain.CartLine{}, err
	}

	key := domain.LineKey{ProductID: productID, Variant: variant}
	idx := slices.IndexFunc(state.Lines, func(line domain.CartLine) bool { return line.Key() == key })
	proposed := quantity
	if idx >= 0 {
		proposed += state.Lines[idx].Quantity
	}
	if proposed > product.Stock {
		return domain.CartLine{}, &StockLimitError{ProductID: productID, Variant: variant, Ceiling: product.Stock, Proposed: proposed}
	}

	line := domain.CartLine{
		ProductID:    productID,
		Name:         product.Name,
		UnitPrice:    product.UnitPrice,
		StockCeiling: product.Stock,
		Quantity:     proposed,
		Variant:      variant,
	}
	if idx >= 0 {
		state.Lines[idx] = line
	} else {
		state.Lines = append(state.Lines, line)
	}
	if err := a.save(ctx, state); err != nil {
		return domain.CartLine{}, err
	}
	return line, nil
}

// Remove drops every line of productID regardless of variant. It reports whether any line
// was removed.
func (a *Aggregator) Remove(ctx context.Context, productID string) (bool, error) {
	productID = strings.TrimSpace(productID)
	state, err := a.store.Load(ctx, a.session)
	if err != nil {
		return false, err
	}
	before := len(state.Lines)
	state.Lines = slices.DeleteFunc(state.Lines, func(line domain.CartLine) bool { return line.ProductID == productID })
	if len(state.Lines) == before {
		return false, nil
	}
	return true, a.save(ctx, state)
}

// Clear empties the cart and the destination draft.
func (a *Aggregator) Clear(ctx context.Context) error {
	return a.store.Delete(ctx, a.session)
}

// Lines returns the current lines in insertion order.
func (a *Aggregator) Lines(ctx context.Context) ([]domain.CartLine, error) {
	state, err := a.store.Load(ctx, a.session)
	if err != nil {
		return nil, err
	}
	return state.Lines, nil
}

// Quote prices the current lines under policy.
func (a *Aggregator) Quote(ctx context.Context, policy domain.PricingPolicy) ([]domain.CartLine, domain.PriceBreakdown, error) {
	lines, err := a.Lines(ctx)
	if err != nil {
		return nil, domain.PriceBreakdown{}, err
	}
	return lines, domain.CalculateCart(policy, lines), nil
}

// SaveDestination stores the shipping draft next to the lines. Incomplete drafts are kept;
// completeness is checked at checkout.
func (a *Aggregator) SaveDestination(ctx context.Context, destination domain.Destination) error {
	state, err := a.store.Load(ctx, a.session)
	if err != nil {
		return err
	}
	state.Destination = &destination
	return a.save(ctx, state)
}

// Destination returns the shipping draft, if one was saved.
func (a *Aggregator) Destination(ctx context.Context) (domain.Destination, bool, error) {
	state, err := a.store.Load(ctx, a.session)
	if err != nil {
		return domain.Destination{}, false, err
	}
	if state.Destination == nil {
		return domain.Destination{}, false, nil
	}
	return *state.Destination, true, nil
}

func (a *Aggregator) save(ctx context.Context, state State) error {
	state.UpdatedAt = a.now().UTC()
	return a.store.Save(ctx, a.session, state)
}
