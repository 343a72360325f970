package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
	fields  []map[string]any
}

func (l *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, event)
	l.fields = append(l.fields, fields)
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry == event {
			return true
		}
	}
	return false
}

func newTestOrderService(t *testing.T, reg *memory.Registry, events OrderEventPublisher, logger *recordingLogger) OrderService {
	t.Helper()
	var logFn func(context.Context, string, map[string]any)
	if logger != nil {
		logFn = logger.log
	}
	seq := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		UnitOfWork: reg,
		Clock:      func() time.Time { return testNow },
		IDGenerator: func() string {
			seq++
			return "TEST" + string(rune('A'+seq-1))
		},
		Events: events,
		Logger: logFn,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func sealProduct(id string, price string, stock int) domain.Product {
	return domain.Product{ID: id, Name: "Seal " + id, UnitPrice: decimal.RequireFromString(price), Stock: stock}
}

func validDestination() domain.Destination {
	return domain.Destination{
		Recipient:  "Aiko Tanaka",
		Line1:      "1-2-3 Ginza",
		City:       "Tokyo",
		PostalCode: "104-0061",
		Country:    "jp",
	}
}

func stockOf(t *testing.T, reg *memory.Registry, id string) int {
	t.Helper()
	products, err := reg.Products().FindByIDs(context.Background(), []string{id})
	if err != nil || len(products) != 1 {
		t.Fatalf("find product %s: %v %+v", id, err, products)
	}
	return products[0].Stock
}

func TestOrderServiceCreateHappyPath(t *testing.T) {
	reg := memory.NewRegistry(sealProduct("p1", "1000", 5))
	events := &recordingPublisher{}
	svc := newTestOrderService(t, reg, events, nil)

	quoted := domain.PriceBreakdown{
		ItemsTotal:  decimal.NewFromInt(2000),
		ShippingFee: decimal.NewFromInt(100),
		TaxAmount:   decimal.NewFromInt(300),
		GrandTotal:  decimal.NewFromInt(2400),
	}
	order, err := svc.Create(context.Background(), CreateOrderCommand{
		BuyerID:     "buyer-1",
		Lines:       []OrderLineInput{{ProductID: "p1", Quantity: 2}},
		Destination: validDestination(),
		Quoted:      &quoted,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if order.ID != "ord_TESTA" {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	if !order.Pricing.Equal(quoted) {
		t.Fatalf("unexpected pricing %+v", order.Pricing)
	}
	if order.Status() != domain.OrderStatusCreated || order.IsPaid {
		t.Fatalf("expected created unpaid order, got %s", order.Status())
	}
	if order.PaymentMethod != domain.PaymentMethodGateway || order.Currency != "USD" {
		t.Fatalf("unexpected defaults: %s %s", order.PaymentMethod, order.Currency)
	}
	if order.Destination.Country != "JP" {
		t.Fatalf("expected normalised country, got %q", order.Destination.Country)
	}
	if len(order.LineItems) != 1 || order.LineItems[0].Name != "Seal p1" {
		t.Fatalf("expected frozen line items, got %+v", order.LineItems)
	}
	if got := stockOf(t, reg, "p1"); got != 3 {
		t.Fatalf("expected stock 3, got %d", got)
	}
	stored, err := reg.Orders().FindByID(context.Background(), order.ID)
	if err != nil || !stored.Pricing.Equal(quoted) {
		t.Fatalf("expected persisted order, got %+v %v", stored, err)
	}
	if types := events.types(); len(types) != 1 || types[0] != orderEventCreated {
		t.Fatalf("expected order.created event, got %v", types)
	}
}

func TestOrderServiceCreateStockConflict(t *testing.T) {
	reg := memory.NewRegistry(sealProduct("p1", "10", 1), sealProduct("p2", "10", 0), sealProduct("p3", "10", 9))
	logger := &recordingLogger{}
	svc := newTestOrderService(t, reg, nil, logger)

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		BuyerID: "buyer-1",
		Lines: []OrderLineInput{
			{ProductID: "p3", Quantity: 1},
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 1},
			{ProductID: "ghost", Quantity: 1},
		},
		Destination: validDestination(),
	})
	if !errors.Is(err, ErrStockConflict) {
		t.Fatalf("expected ErrStockConflict, got %v", err)
	}
	var conflict *StockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StockConflictError, got %T", err)
	}
	if len(conflict.Lines) != 3 {
		t.Fatalf("expected three offending products, got %+v", conflict.Lines)
	}
	if conflict.Lines[0].ProductID != "p1" || conflict.Lines[0].Available != 1 || conflict.Lines[0].Requested != 2 {
		t.Fatalf("unexpected first shortfall %+v", conflict.Lines[0])
	}
	if conflict.Lines[2].ProductID != "ghost" || conflict.Lines[2].Available != 0 {
		t.Fatalf("unexpected unknown product shortfall %+v", conflict.Lines[2])
	}

	if got := stockOf(t, reg, "p3"); got != 9 {
		t.Fatalf("expected untouched stock, got %d", got)
	}
	orders, err := reg.Orders().List(context.Background(), repositories.OrderListFilter{})
	if err != nil || len(orders) != 0 {
		t.Fatalf("expected no persisted orders, got %d %v", len(orders), err)
	}
	if !logger.has("order.create.stock_conflict") {
		t.Fatalf("expected stock conflict log entry")
	}
}

func TestOrderServiceCreateMergesLinesForStockCheck(t *testing.T) {
	reg := memory.NewRegistry(sealProduct("p1", "5", 3))
	svc := newTestOrderService(t, reg, nil, nil)

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		BuyerID: "buyer-1",
		Lines: []OrderLineInput{
			{ProductID: "p1", Quantity: 2, Variant: "red"},
			{ProductID: "p1", Quantity: 2, Variant: "blue"},
		},
		Destination: validDestination(),
	})
	if !errors.Is(err, ErrStockConflict) {
		t.Fatalf("expected variants to share stock, got %v", err)
	}

	order, err := svc.Create(context.Background(), CreateOrderCommand{
		BuyerID: "buyer-1",
		Lines: []OrderLineInput{
			{ProductID: "p1", Quantity: 1, Variant: "red"},
			{ProductID: "p1", Quantity: 1, Variant: "red"},
		},
		Destination: validDestination(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(order.LineItems) != 1 || order.LineItems[0].Quantity != 2 {
		t.Fatalf("expected merged line, got %+v", order.LineItems)
	}
	if got := stockOf(t, reg, "p1"); got != 1 {
		t.Fatalf("expected stock 1, got %d", got)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	reg := memory.NewRegistry(sealProduct("p1", "5", 3))
	svc := newTestOrderService(t, reg, nil, nil)

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		BuyerID:       "buyer-1",
		Lines:         []OrderLineInput{{ProductID: "p1", Quantity: 0}},
		Destination:   domain.Destination{Recipient: "Aiko", City: "Tokyo"},
		PaymentMethod: "cash",
		Currency:      "EUR",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"lines[0].quantity", "destination.line1", "destination.postal_code", "destination.country", "payment_method", "currency"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected field %s in %v", field, verr.Fields)
		}
	}

	_, err = svc.Create(context.Background(), CreateOrderCommand{BuyerID: "buyer-1", Destination: validDestination()})
	if !errors.As(err, &verr) || verr.Fields["lines"] == "" {
		t.Fatalf("expected empty cart rejection, got %v", err)
	}
	if got := stockOf(t, reg, "p1"); got != 3 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestOrderServiceCreateRejectsStaleQuote(t *testing.T) {
	reg := memory.NewRegistry(sealProduct("p1", "1000.01", 5))
	svc := newTestOrderService(t, reg, nil, nil)

	stale := domain.CalculateCart(domain.DefaultPricingPolicy(), []domain.CartLine{{ProductID: "p1", UnitPrice: decimal.NewFromInt(1000), Quantity: 2}})
	_, err := svc.Create(context.Background(), CreateOrderCommand{
		BuyerID:     "buyer-1",
		Lines:       []OrderLineInput{{ProductID: "p1", Quantity: 2}},
		Destination: validDestination(),
		Quoted:      &stale,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Fields["pricing"] == "" {
		t.Fatalf("expected pricing validation error, got %v", err)
	}
	if got := stockOf(t, reg, "p1"); got != 5 {
		t.Fatalf("expected stock restored, got %d", got)
	}
}

func TestOrderServiceGetHidesForeignOrders(t *testing.T) {
	reg := memory.NewRegistry(sealProduct("p1", "5", 3))
	svc := newTestOrderService(t, reg, nil, nil)
	ctx := context.Background()

	order, err := svc.Create(ctx, CreateOrderCommand{BuyerID: "buyer-1", Lines: []OrderLineInput{{ProductID: "p1", Quantity: 1}}, Destination: validDestination()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, Actor{UserID: "buyer-1"}, order.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.Get(ctx, Actor{UserID: "ops", IsOperator: true}, order.ID); err != nil {
		t.Fatalf("operator get: %v", err)
	}
	if _, err := svc.Get(ctx, Actor{UserID: "buyer-2"}, order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for other buyer, got %v", err)
	}
	if _, err := svc.Get(ctx, Actor{UserID: "buyer-1"}, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceListingsAndAnalytics(t *testing.T) {
	reg := memory.NewRegistry(sealProduct("p1", "1000", 10))
	svc := newTestOrderService(t, reg, nil, nil)
	ctx := context.Background()

	for _, buyer := range []string{"buyer-1", "buyer-1", "buyer-2"} {
		if _, err := svc.Create(ctx, CreateOrderCommand{BuyerID: buyer, Lines: []OrderLineInput{{ProductID: "p1", Quantity: 1}}, Destination: validDestination()}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	mine, err := svc.ListMine(ctx, Actor{UserID: "buyer-1"}, 0)
	if err != nil || len(mine) != 2 {
		t.Fatalf("expected two orders for buyer-1, got %d %v", len(mine), err)
	}

	if _, err := svc.ListAll(ctx, Actor{UserID: "buyer-1"}, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	all, err := svc.ListAll(ctx, Actor{UserID: "ops", IsOperator: true}, 2)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected limited listing, got %d %v", len(all), err)
	}

	paid := mine[0]
	paidAt := time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC)
	paid.IsPaid = true
	paid.PaidAt = &paidAt
	if err := reg.Orders().Update(ctx, paid); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := svc.Analytics(ctx, Actor{UserID: "buyer-1"}, AnalyticsFilter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	periods, err := svc.Analytics(ctx, Actor{UserID: "ops", IsOperator: true}, AnalyticsFilter{})
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if len(periods) != 1 || periods[0].Period != "2025-04" || !periods[0].TotalSales.Equal(paid.Pricing.GrandTotal) {
		t.Fatalf("unexpected periods %+v", periods)
	}
	_, err = svc.Analytics(ctx, Actor{IsOperator: true}, AnalyticsFilter{From: testNow, To: testNow.Add(-time.Hour)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for inverted window, got %v", err)
	}
}

func TestNewOrderServiceValidatesDeps(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error without repositories")
	}
}
