package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hanko-field/checkout/internal/cart"
	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
	"github.com/hanko-field/checkout/internal/wire"
)

var (
	// ErrAuthorizationMismatch reports a gateway transaction whose amount or currency differs
	// from the order, whether the order service or the edge noticed it. The attempt must not
	// proceed to payment collection.
	ErrAuthorizationMismatch = services.ErrAuthorizationMismatch
	// ErrCheckoutInFlight reports a second placement or commit for a session that already
	// has one running.
	ErrCheckoutInFlight = errors.New("checkout: another checkout is in progress for this session")
	// ErrNoCollector reports Collect without a configured Collector.
	ErrNoCollector = errors.New("checkout: no payment collector configured")
)

// OrderAPI is the subset of the order service the orchestrator drives. Client satisfies it.
type OrderAPI interface {
	CreateOrder(ctx context.Context, req wire.CreateOrderRequest, idempotencyKey string) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	CreateTransaction(ctx context.Context, orderID, provider string) (domain.GatewayTransaction, error)
	VerifyPayment(ctx context.Context, orderID string, confirmation domain.GatewayConfirmation) (domain.Order, error)
	Cancel(ctx context.Context, orderID string) (domain.Order, error)
	RequestReturn(ctx context.Context, orderID string) (domain.Order, error)
	MarkDelivered(ctx context.Context, orderID string) (domain.Order, error)
}

// Collector runs the gateway's buyer-facing payment step and returns its callback fields.
type Collector interface {
	Collect(ctx context.Context, order domain.Order, txn domain.GatewayTransaction) (domain.GatewayConfirmation, error)
}

// Placement is a reserved and authorized order awaiting payment collection.
type Placement struct {
	Order       domain.Order
	Transaction domain.GatewayTransaction
	Quote       domain.PriceBreakdown
}

// OrchestratorDeps bundles the orchestrator's collaborators.
type OrchestratorDeps struct {
	API       OrderAPI
	Pricing   domain.PricingPolicy
	Currency  string
	Collector Collector
	NewKey    func() string
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Orchestrator runs reserve, authorize, collect and commit for one session at a time.
type Orchestrator struct {
	api       OrderAPI
	pricing   domain.PricingPolicy
	currency  string
	collector Collector
	newKey    func() string
	logger    func(context.Context, string, map[string]any)

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.API == nil {
		return nil, errors.New("checkout: order api is required")
	}
	pricing := deps.Pricing
	if pricing.TaxRate.IsZero() && pricing.ShippingFee.IsZero() && pricing.FreeShippingThreshold.IsZero() {
		pricing = domain.DefaultPricingPolicy()
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}
	if pricing.Currency == "" {
		pricing.Currency = currency
	}
	newKey := deps.NewKey
	if newKey == nil {
		newKey = NewIdempotencyKey
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Orchestrator{
		api:       deps.API,
		pricing:   pricing,
		currency:  currency,
		collector: deps.Collector,
		newKey:    newKey,
		logger:    logger,
		inFlight:  make(map[string]struct{}),
	}, nil
}

// PlaceOrder reserves an order from the session's cart and opens its gateway transaction.
// The cart is left untouched; it is cleared only by a successful Commit.
func (o *Orchestrator) PlaceOrder(ctx context.Context, agg *cart.Aggregator, method domain.PaymentMethod) (Placement, error) {
	release, err := o.acquire(agg.Session())
	if err != nil {
		return Placement{}, err
	}
	defer release()

	lines, quote, err := agg.Quote(ctx, o.pricing)
	if err != nil {
		return Placement{}, err
	}
	destination, _, err := agg.Destination(ctx)
	if err != nil {
		return Placement{}, err
	}

	verr := &services.ValidationError{Fields: map[string]string{}}
	if len(lines) == 0 {
		verr.Fields["lines"] = "cart is empty"
	}
	for _, field := range destination.MissingFields() {
		verr.Fields[field] = "required"
	}
	if len(verr.Fields) > 0 {
		return Placement{}, verr
	}

	req := wire.CreateOrderRequest{
		Lines:         make([]wire.OrderLine, 0, len(lines)),
		Destination:   wire.FromDestination(destination),
		PaymentMethod: string(method),
		Currency:      o.currency,
	}
	for _, line := range lines {
		req.Lines = append(req.Lines, wire.OrderLine{ProductID: line.ProductID, Quantity: line.Quantity, Variant: line.Variant})
	}
	quoted := wire.FromPricing(quote)
	req.Quoted = &quoted

	order, err := o.api.CreateOrder(ctx, req, o.newKey())
	if err != nil {
		return Placement{}, err
	}
	o.logger(ctx, "checkout.order.reserved", map[string]any{
		"session":    agg.Session(),
		"orderId":    order.ID,
		"grandTotal": wire.FormatMoney(order.Pricing.GrandTotal),
	})

	txn, err := o.api.CreateTransaction(ctx, order.ID, string(method))
	if err != nil {
		return Placement{Order: order, Quote: quote}, err
	}
	if !txn.Amount.Equal(order.Pricing.GrandTotal) || !strings.EqualFold(txn.Currency, order.Currency) {
		o.logger(ctx, "checkout.authorization.mismatch", map[string]any{
			"severity":       "warning",
			"orderId":        order.ID,
			"gatewayOrderId": txn.GatewayOrderID,
			"amount":         wire.FormatMoney(txn.Amount),
			"currency":       txn.Currency,
		})
		return Placement{Order: order, Quote: quote}, fmt.Errorf("%w: %s %s for %s %s", ErrAuthorizationMismatch,
			wire.FormatMoney(txn.Amount), txn.Currency, wire.FormatMoney(order.Pricing.GrandTotal), order.Currency)
	}

	return Placement{Order: order, Transaction: txn, Quote: quote}, nil
}

// Collect hands the placement to the gateway UI and waits for its callback fields.
func (o *Orchestrator) Collect(ctx context.Context, placement Placement) (domain.GatewayConfirmation, error) {
	if o.collector == nil {
		return domain.GatewayConfirmation{}, ErrNoCollector
	}
	confirmation, err := o.collector.Collect(ctx, placement.Order, placement.Transaction)
	if err != nil {
		return domain.GatewayConfirmation{}, err
	}
	if confirmation.Provider == "" {
		confirmation.Provider = placement.Transaction.Provider
	}
	return confirmation, nil
}

// Commit forwards the confirmation for server-side verification. Only a verified payment
// clears the cart. The returned order is always re-fetched from the API when reachable, so
// a rejected confirmation still yields the order's authoritative unpaid state.
func (o *Orchestrator) Commit(ctx context.Context, agg *cart.Aggregator, orderID string, confirmation domain.GatewayConfirmation) (domain.Order, error) {
	release, err := o.acquire(agg.Session())
	if err != nil {
		return domain.Order{}, err
	}
	defer release()

	if _, verifyErr := o.api.VerifyPayment(ctx, orderID, confirmation); verifyErr != nil {
		if errors.Is(verifyErr, services.ErrVerificationFailed) {
			o.logger(ctx, "checkout.commit.rejected", map[string]any{
				"severity":       "warning",
				"session":        agg.Session(),
				"orderId":        orderID,
				"gatewayOrderId": confirmation.GatewayOrderID,
			})
		}
		order, err := o.api.GetOrder(ctx, orderID)
		if err != nil {
			return domain.Order{}, verifyErr
		}
		return order, verifyErr
	}

	if err := agg.Clear(ctx); err != nil {
		o.logger(ctx, "checkout.cart.clear.failed", map[string]any{
			"severity": "error",
			"session":  agg.Session(),
			"orderId":  orderID,
			"error":    err.Error(),
		})
	}
	o.logger(ctx, "checkout.order.committed", map[string]any{"session": agg.Session(), "orderId": orderID})
	return o.api.GetOrder(ctx, orderID)
}

// Checkout runs PlaceOrder, Collect and Commit in sequence.
func (o *Orchestrator) Checkout(ctx context.Context, agg *cart.Aggregator, method domain.PaymentMethod) (domain.Order, error) {
	placement, err := o.PlaceOrder(ctx, agg, method)
	if err != nil {
		return placement.Order, err
	}
	confirmation, err := o.Collect(ctx, placement)
	if err != nil {
		return placement.Order, err
	}
	return o.Commit(ctx, agg, placement.Order.ID, confirmation)
}

// Cancel cancels the order and returns its re-fetched state.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	return o.transition(ctx, orderID, o.api.Cancel)
}

// RequestReturn flags a delivered order for return and returns its re-fetched state.
func (o *Orchestrator) RequestReturn(ctx context.Context, orderID string) (domain.Order, error) {
	return o.transition(ctx, orderID, o.api.RequestReturn)
}

// MarkDelivered records delivery and returns the re-fetched order. Operators only.
func (o *Orchestrator) MarkDelivered(ctx context.Context, orderID string) (domain.Order, error) {
	return o.transition(ctx, orderID, o.api.MarkDelivered)
}

func (o *Orchestrator) transition(ctx context.Context, orderID string, call func(context.Context, string) (domain.Order, error)) (domain.Order, error) {
	if _, err := call(ctx, orderID); err != nil {
		return domain.Order{}, err
	}
	return o.api.GetOrder(ctx, orderID)
}

func (o *Orchestrator) acquire(session string) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[session]; busy {
		return nil, ErrCheckoutInFlight
	}
	o.inFlight[session] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.inFlight, session)
		o.mu.Unlock()
	}, nil
}
