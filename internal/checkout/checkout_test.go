package checkout

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/checkout/internal/cart"
	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/services"
)

type tokenTable map[string]*firebaseauth.Token

func (t tokenTable) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	token, ok := t[idToken]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return token, nil
}

// signedGateway accepts confirmations whose signature is "sig:" + payment id.
type signedGateway struct{}

func (signedGateway) CreateTransaction(_ context.Context, req payments.TransactionRequest) (domain.GatewayTransaction, error) {
	return domain.GatewayTransaction{
		GatewayOrderID: "gw_" + req.Receipt,
		Amount:         req.Amount,
		Currency:       req.Currency,
		ReceiptRef:     req.Receipt,
	}, nil
}

func (signedGateway) Verify(_ context.Context, req payments.VerifyRequest) (domain.PaymentResult, error) {
	conf := req.Confirmation
	if conf.Signature != "sig:"+conf.PaymentID || conf.GatewayOrderID != "gw_"+req.OrderID {
		return domain.PaymentResult{}, payments.ErrVerificationFailed
	}
	return domain.PaymentResult{
		GatewayOrderID: conf.GatewayOrderID,
		PaymentID:      conf.PaymentID,
		Amount:         req.Amount,
		Currency:       req.Currency,
	}, nil
}

// buyerCollector plays the gateway UI: it "pays" and returns correctly signed fields.
type buyerCollector struct {
	paymentID string
	forged    bool
}

func (c buyerCollector) Collect(_ context.Context, _ domain.Order, txn domain.GatewayTransaction) (domain.GatewayConfirmation, error) {
	signature := "sig:" + c.paymentID
	if c.forged {
		signature = "sig:forged"
	}
	return domain.GatewayConfirmation{GatewayOrderID: txn.GatewayOrderID, PaymentID: c.paymentID, Signature: signature}, nil
}

type flow struct {
	reg    *memory.Registry
	client *Client
	orch   *Orchestrator
	cart   *cart.Aggregator
	buyer  context.Context
	ops    context.Context
}

func newFlow(t *testing.T, collector Collector) flow {
	t.Helper()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	reg := memory.NewRegistry(
		domain.Product{ID: "seal-round", Name: "Round seal", UnitPrice: decimal.NewFromInt(1000), Stock: 5},
	)
	manager, err := payments.NewManager(map[string]payments.Gateway{"gateway": signedGateway{}})
	require.NoError(t, err)
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(), Products: reg.Products(), UnitOfWork: reg, Clock: func() time.Time { return now },
	})
	require.NoError(t, err)
	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders: reg.Orders(), UnitOfWork: reg, Gateway: manager, Clock: func() time.Time { return now },
	})
	require.NoError(t, err)

	authn := auth.NewAuthenticator(tokenTable{
		"buyer-token": {UID: "buyer-1"},
		"ops-token":   {UID: "ops-1", Claims: map[string]any{"role": "admin"}},
	})
	orderHandlers := handlers.NewOrderHandlers(handlers.OrderHandlersDeps{
		Authenticate: authn.Authenticate,
		Idempotency:  idempotency.Middleware(idempotency.NewMemoryStore()),
		Orders:       orders,
		Payments:     paymentSvc,
	})
	adminHandlers := handlers.NewAdminOrderHandlers(orders, authn.Authenticate, auth.RequireRole(auth.OperatorRoles...))
	server := httptest.NewServer(handlers.NewRouter(
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)
	orch, err := NewOrchestrator(OrchestratorDeps{API: client, Collector: collector})
	require.NoError(t, err)
	agg, err := cart.New(cart.NewMemoryStore(), "sess-"+gofakeit.UUID())
	require.NoError(t, err)

	return flow{
		reg:    reg,
		client: client,
		orch:   orch,
		cart:   agg,
		buyer:  WithBearerToken(context.Background(), "buyer-token"),
		ops:    WithBearerToken(context.Background(), "ops-token"),
	}
}

func (f flow) fillCart(t *testing.T, quantity int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.cart.Add(ctx, domain.Product{ID: "seal-round", Name: "Round seal", UnitPrice: decimal.NewFromInt(1000), Stock: 5}, quantity, "")
	require.NoError(t, err)
	require.NoError(t, f.cart.SaveDestination(ctx, domain.Destination{
		Recipient:  gofakeit.Name(),
		Line1:      gofakeit.Street(),
		City:       gofakeit.City(),
		PostalCode: gofakeit.Zip(),
		Country:    "JP",
	}))
}

func (f flow) orderCount(t *testing.T) int {
	t.Helper()
	orders, err := f.reg.Orders().List(context.Background(), repositories.OrderListFilter{})
	require.NoError(t, err)
	return len(orders)
}

func TestCheckoutHappyPath(t *testing.T) {
	f := newFlow(t, buyerCollector{paymentID: "pay_1"})
	f.fillCart(t, 2)

	placement, err := f.orch.PlaceOrder(f.buyer, f.cart, domain.PaymentMethodGateway)
	require.NoError(t, err)
	assert.Equal(t, "2000.00", placement.Quote.ItemsTotal.StringFixed(2))
	assert.Equal(t, "100.00", placement.Quote.ShippingFee.StringFixed(2))
	assert.Equal(t, "300.00", placement.Quote.TaxAmount.StringFixed(2))
	assert.Equal(t, "2400.00", placement.Order.Pricing.GrandTotal.StringFixed(2))
	assert.Equal(t, domain.OrderStatusCreated, placement.Order.Status())

	lines, err := f.cart.Lines(context.Background())
	require.NoError(t, err)
	assert.Len(t, lines, 1, "creating the order must not clear the cart")

	confirmation, err := f.orch.Collect(f.buyer, placement)
	require.NoError(t, err)
	order, err := f.orch.Commit(f.buyer, f.cart, placement.Order.ID, confirmation)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status())
	require.NotNil(t, order.Payment)
	assert.Equal(t, "pay_1", order.Payment.PaymentID)

	lines, err = f.cart.Lines(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCheckoutStockConflict(t *testing.T) {
	f := newFlow(t, buyerCollector{paymentID: "pay_1"})
	f.fillCart(t, 3)
	require.NoError(t, f.reg.Products().Upsert(context.Background(),
		domain.Product{ID: "seal-round", Name: "Round seal", UnitPrice: decimal.NewFromInt(1000), Stock: 2}))

	_, err := f.orch.PlaceOrder(f.buyer, f.cart, domain.PaymentMethodGateway)
	require.ErrorIs(t, err, services.ErrStockConflict)
	var conflict *services.StockConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Lines, 1)
	assert.Equal(t, services.StockShortfall{ProductID: "seal-round", Requested: 3, Available: 2}, conflict.Lines[0])

	assert.Zero(t, f.orderCount(t))
	lines, err := f.cart.Lines(context.Background())
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Quantity, "cart must not be auto-corrected")
}

func TestCheckoutForgedSignature(t *testing.T) {
	f := newFlow(t, buyerCollector{paymentID: "pay_1", forged: true})
	f.fillCart(t, 1)

	order, err := f.orch.Checkout(f.buyer, f.cart, domain.PaymentMethodGateway)
	require.ErrorIs(t, err, services.ErrVerificationFailed)
	assert.Equal(t, domain.OrderStatusCreated, order.Status(), "re-fetched order must still be unpaid")
	assert.NotEmpty(t, order.ID)

	lines, err := f.cart.Lines(context.Background())
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestCheckoutDoubleCommit(t *testing.T) {
	f := newFlow(t, buyerCollector{paymentID: "pay_7"})
	f.fillCart(t, 1)

	placement, err := f.orch.PlaceOrder(f.buyer, f.cart, domain.PaymentMethodGateway)
	require.NoError(t, err)
	confirmation, err := f.orch.Collect(f.buyer, placement)
	require.NoError(t, err)

	first, err := f.orch.Commit(f.buyer, f.cart, placement.Order.ID, confirmation)
	require.NoError(t, err)
	second, err := f.orch.Commit(f.buyer, f.cart, placement.Order.ID, confirmation)
	require.NoError(t, err)
	require.NotNil(t, first.PaidAt)
	require.NotNil(t, second.PaidAt)
	assert.True(t, first.PaidAt.Equal(*second.PaidAt))
	assert.Equal(t, first.Payment.PaymentID, second.Payment.PaymentID)

	other := confirmation
	other.PaymentID = "pay_8"
	other.Signature = "sig:pay_8"
	_, err = f.orch.Commit(f.buyer, f.cart, placement.Order.ID, other)
	assert.ErrorIs(t, err, services.ErrVerificationFailed)
}

func TestCancelAfterDeliveryDenied(t *testing.T) {
	f := newFlow(t, buyerCollector{paymentID: "pay_1"})
	f.fillCart(t, 1)

	order, err := f.orch.Checkout(f.buyer, f.cart, domain.PaymentMethodGateway)
	require.NoError(t, err)

	_, err = f.orch.MarkDelivered(f.buyer, order.ID)
	require.ErrorIs(t, err, services.ErrForbidden)

	delivered, err := f.orch.MarkDelivered(f.ops, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, delivered.Status())

	_, err = f.orch.Cancel(f.buyer, order.ID)
	require.ErrorIs(t, err, services.ErrTransitionDenied)

	current, err := f.client.GetOrder(f.buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, current.Status())

	returned, err := f.orch.RequestReturn(f.buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReturnRequested, returned.Status())
}

func TestPlaceOrderValidatesLocally(t *testing.T) {
	f := newFlow(t, nil)

	_, err := f.orch.PlaceOrder(f.buyer, f.cart, domain.PaymentMethodGateway)
	var verr *services.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "lines")
	assert.Contains(t, verr.Fields, "destination.recipient")
	assert.Zero(t, f.orderCount(t))
}

func TestCollectWithoutCollector(t *testing.T) {
	f := newFlow(t, nil)
	_, err := f.orch.Collect(f.buyer, Placement{})
	assert.ErrorIs(t, err, ErrNoCollector)
}

func TestClientReportsUnauthenticated(t *testing.T) {
	f := newFlow(t, nil)
	_, err := f.client.ListMine(context.Background(), 10)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestClientAdminEndpoints(t *testing.T) {
	f := newFlow(t, buyerCollector{paymentID: "pay_1"})
	f.fillCart(t, 1)
	_, err := f.orch.Checkout(f.buyer, f.cart, domain.PaymentMethodGateway)
	require.NoError(t, err)

	all, err := f.client.ListAll(f.ops, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.client.ListAll(f.buyer, 10)
	assert.ErrorIs(t, err, services.ErrForbidden)

	periods, err := f.client.Analytics(f.ops, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, "2024-06", periods[0].Period)
	assert.Equal(t, "1250.00", periods[0].TotalSales.StringFixed(2))
}
