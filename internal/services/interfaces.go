package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
)

// Actor identifies the caller of a service operation.
type Actor struct {
	UserID     string
	IsOperator bool
}

// OrderService creates orders, exposes them to buyers and operators, and drives the
// post-payment lifecycle.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	Get(ctx context.Context, actor Actor, orderID string) (domain.Order, error)
	ListMine(ctx context.Context, actor Actor, limit int) ([]domain.Order, error)
	ListAll(ctx context.Context, actor Actor, limit int) ([]domain.Order, error)
	Analytics(ctx context.Context, actor Actor, filter AnalyticsFilter) ([]domain.SalesPeriod, error)

	MarkDelivered(ctx context.Context, actor Actor, orderID string) (domain.Order, error)
	Cancel(ctx context.Context, actor Actor, orderID string) (domain.Order, error)
	RequestReturn(ctx context.Context, actor Actor, orderID string) (domain.Order, error)
}

// PaymentService bridges unpaid orders and the payment gateways.
type PaymentService interface {
	CreateTransaction(ctx context.Context, actor Actor, orderID string, provider string) (domain.GatewayTransaction, error)
	Verify(ctx context.Context, actor Actor, orderID string, confirmation domain.GatewayConfirmation) (domain.Order, error)
}

// PaymentGateway is satisfied by payments.Manager.
type PaymentGateway interface {
	CreateTransaction(ctx context.Context, paymentCtx payments.PaymentContext, req payments.TransactionRequest) (domain.GatewayTransaction, error)
	Verify(ctx context.Context, paymentCtx payments.PaymentContext, req payments.VerifyRequest) (domain.PaymentResult, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	BuyerID        string
	PreviousStatus domain.OrderStatus
	CurrentStatus  domain.OrderStatus
	ActorID        string
	GrandTotal     decimal.Decimal
	Currency       string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// CreateOrderCommand is the buyer's priced cart snapshot submitted for order creation.
type CreateOrderCommand struct {
	BuyerID       string
	Lines         []OrderLineInput
	Destination   domain.Destination
	PaymentMethod domain.PaymentMethod
	Currency      string
	// Quoted is the breakdown the buyer was shown. When set it must equal the server quote.
	Quoted *domain.PriceBreakdown
}

// OrderLineInput is one requested product line.
type OrderLineInput struct {
	ProductID string
	Quantity  int
	Variant   string
}

// AnalyticsFilter bounds the sales aggregation window. Zero values are open-ended.
type AnalyticsFilter struct {
	From time.Time
	To   time.Time
}
