package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventPaid            = "order.paid"
	orderEventDelivered       = "order.delivered"
	orderEventCancelled       = "order.cancelled"
	orderEventReturnRequested = "order.return_requested"

	orderIDPrefix = "ord_"

	defaultListLimit = 50
	maxListLimit     = 200
)

var supportedPaymentMethods = []domain.PaymentMethod{
	domain.PaymentMethodGateway,
	domain.PaymentMethodStripe,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	UnitOfWork  repositories.UnitOfWork
	Pricing     domain.PricingPolicy
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	pricing    domain.PricingPolicy
	currency   string
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		unitOfWork: unit,
		pricing:    pricing,
		currency:   currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// Create validates the snapshot, re-checks and decrements stock, prices the order from the
// product-of-record prices and persists it as created. Nothing is written on failure.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	method := cmd.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodGateway
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	verr := &ValidationError{}
	if buyerID == "" {
		verr.add("buyer_id", "required")
	}
	if len(cmd.Lines) == 0 {
		verr.add("lines", "at least one line is required")
	}
	for i, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			verr.add(fmt.Sprintf("lines[%d].product_id", i), "required")
		}
		if line.Quantity < 1 {
			verr.add(fmt.Sprintf("lines[%d].quantity", i), "must be at least 1")
		}
	}
	for _, field := range cmd.Destination.MissingFields() {
		verr.add(field, "required")
	}
	if !slices.Contains(supportedPaymentMethods, method) {
		verr.add("payment_method", "unsupported")
	}
	if currency != s.currency {
		verr.add("currency", "must be "+s.currency)
	}
	if err := verr.orNil(); err != nil {
		return domain.Order{}, err
	}

	lines := mergeOrderLines(cmd.Lines)
	requested := lo.Reduce(lines, func(acc map[string]int, line OrderLineInput, _ int) map[string]int {
		acc[line.ProductID] += line.Quantity
		return acc
	}, map[string]int{})
	productIDs := lo.Uniq(lo.Map(lines, func(line OrderLineInput, _ int) string { return line.ProductID }))

	now := s.now()
	order := domain.Order{
		ID:            s.nextOrderID(),
		BuyerID:       buyerID,
		Destination:   trimDestination(cmd.Destination),
		PaymentMethod: method,
		Currency:      currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		products, err := s.products.FindByIDs(txCtx, productIDs)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		byID := lo.KeyBy(products, func(p domain.Product) string { return p.ID })

		var shortfalls []StockShortfall
		for _, id := range productIDs {
			product, ok := byID[id]
			if !ok || product.Stock < requested[id] {
				shortfalls = append(shortfalls, StockShortfall{ProductID: id, Requested: requested[id], Available: product.Stock})
			}
		}
		if len(shortfalls) > 0 {
			return &StockConflictError{Lines: shortfalls}
		}

		items := lo.Map(lines, func(line OrderLineInput, _ int) domain.LineItem {
			product := byID[line.ProductID]
			return domain.LineItem{
				ProductID: product.ID,
				Name:      product.Name,
				UnitPrice: product.UnitPrice,
				Quantity:  line.Quantity,
				Variant:   line.Variant,
			}
		})
		pricing := domain.Calculate(s.pricing, items)
		if cmd.Quoted != nil && !cmd.Quoted.Equal(pricing) {
			return &ValidationError{Fields: map[string]string{
				"pricing": fmt.Sprintf("quoted grand total %s does not match %s", domain.FormatAmount(cmd.Quoted.GrandTotal), domain.FormatAmount(pricing.GrandTotal)),
			}}
		}

		for _, id := range productIDs {
			if _, err := s.products.DecrementStock(txCtx, id, requested[id]); err != nil {
				var invErr *repositories.InventoryError
				if errors.As(err, &invErr) {
					return &StockConflictError{Lines: []StockShortfall{{
						ProductID: invErr.ProductID,
						Requested: invErr.Requested,
						Available: invErr.Available,
					}}}
				}
				return s.mapRepositoryError(err)
			}
		}

		order.LineItems = items
		order.Pricing = pricing
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		var conflict *StockConflictError
		if errors.As(err, &conflict) {
			s.logger(ctx, "order.create.stock_conflict", map[string]any{
				"buyerId":  buyerID,
				"products": lo.Map(conflict.Lines, func(l StockShortfall, _ int) string { return l.ProductID }),
			})
		}
		return domain.Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":    order.ID,
		"buyerId":    order.BuyerID,
		"grandTotal": domain.FormatAmount(order.Pricing.GrandTotal),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		CurrentStatus: order.Status(),
		ActorID:       order.BuyerID,
		GrandTotal:    order.Pricing.GrandTotal,
		Currency:      order.Currency,
		OccurredAt:    now,
	})

	return order, nil
}

func (s *orderService) Get(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, &ValidationError{Fields: map[string]string{"order_id": "required"}}
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if !actor.IsOperator && order.BuyerID != actor.UserID {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListMine(ctx context.Context, actor Actor, limit int) ([]domain.Order, error) {
	buyerID := strings.TrimSpace(actor.UserID)
	if buyerID == "" {
		return nil, &ValidationError{Fields: map[string]string{"buyer_id": "required"}}
	}
	orders, err := s.orders.List(ctx, repositories.OrderListFilter{BuyerID: buyerID, Limit: clampLimit(limit)})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) ListAll(ctx context.Context, actor Actor, limit int) ([]domain.Order, error) {
	if !actor.IsOperator {
		return nil, fmt.Errorf("%w: operator role required", ErrForbidden)
	}
	orders, err := s.orders.List(ctx, repositories.OrderListFilter{Limit: clampLimit(limit)})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) Analytics(ctx context.Context, actor Actor, filter AnalyticsFilter) ([]domain.SalesPeriod, error) {
	if !actor.IsOperator {
		return nil, fmt.Errorf("%w: operator role required", ErrForbidden)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return nil, &ValidationError{Fields: map[string]string{"to": "must be after from"}}
	}
	periods, err := s.orders.SalesByMonth(ctx, repositories.SalesFilter{From: filter.From, To: filter.To})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return periods, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapRepositoryError(err)
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return err
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.CurrentStatus),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// mergeOrderLines folds lines sharing (product, variant) into one, keeping first-seen order.
func mergeOrderLines(lines []OrderLineInput) []OrderLineInput {
	merged := make([]OrderLineInput, 0, len(lines))
	index := make(map[domain.LineKey]int, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.Variant = strings.TrimSpace(line.Variant)
		key := domain.LineKey{ProductID: line.ProductID, Variant: line.Variant}
		if i, ok := index[key]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func trimDestination(d domain.Destination) domain.Destination {
	return domain.Destination{
		Recipient:  strings.TrimSpace(d.Recipient),
		Line1:      strings.TrimSpace(d.Line1),
		Line2:      strings.TrimSpace(d.Line2),
		City:       strings.TrimSpace(d.City),
		State:      strings.TrimSpace(d.State),
		PostalCode: strings.TrimSpace(d.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(d.Country)),
		Phone:      strings.TrimSpace(d.Phone),
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
