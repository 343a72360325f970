package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

type fakePaymentGateway struct {
	mu          sync.Mutex
	verifyCalls int
	createErr   error
	verifyErr   error
	echoAmount  *decimal.Decimal
}

func (g *fakePaymentGateway) CreateTransaction(_ context.Context, paymentCtx payments.PaymentContext, req payments.TransactionRequest) (domain.GatewayTransaction, error) {
	if g.createErr != nil {
		return domain.GatewayTransaction{}, g.createErr
	}
	amount := req.Amount
	if g.echoAmount != nil {
		amount = *g.echoAmount
	}
	return domain.GatewayTransaction{
		Provider:       paymentCtx.PreferredProvider,
		GatewayOrderID: "gw_" + req.Receipt,
		Amount:         amount,
		Currency:       req.Currency,
		ReceiptRef:     req.Receipt,
	}, nil
}

func (g *fakePaymentGateway) Verify(_ context.Context, paymentCtx payments.PaymentContext, req payments.VerifyRequest) (domain.PaymentResult, error) {
	g.mu.Lock()
	g.verifyCalls++
	g.mu.Unlock()
	if g.verifyErr != nil {
		return domain.PaymentResult{}, g.verifyErr
	}
	conf := req.Confirmation
	if conf.Signature != testSignature(conf.GatewayOrderID, conf.PaymentID) {
		return domain.PaymentResult{}, fmt.Errorf("%w: signature mismatch", payments.ErrVerificationFailed)
	}
	return domain.PaymentResult{
		Provider:       paymentCtx.PreferredProvider,
		GatewayOrderID: conf.GatewayOrderID,
		PaymentID:      conf.PaymentID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		VerifiedAt:     testNow,
	}, nil
}

func (g *fakePaymentGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyCalls
}

func testSignature(gatewayOrderID, paymentID string) string {
	return "sig:" + gatewayOrderID + "|" + paymentID
}

func validConfirmation(orderID, paymentID string) domain.GatewayConfirmation {
	gatewayOrderID := "gw_" + orderID
	return domain.GatewayConfirmation{
		GatewayOrderID: gatewayOrderID,
		PaymentID:      paymentID,
		Signature:      testSignature(gatewayOrderID, paymentID),
	}
}

type paymentFixture struct {
	reg      *memory.Registry
	orders   OrderService
	payments PaymentService
	gateway  *fakePaymentGateway
	events   *recordingPublisher
	logger   *recordingLogger
}

func newPaymentFixture(t *testing.T) paymentFixture {
	t.Helper()
	reg := memory.NewRegistry(sealProduct("p1", "1000", 10))
	events := &recordingPublisher{}
	logger := &recordingLogger{}
	gateway := &fakePaymentGateway{}

	paymentSvc, err := NewPaymentService(PaymentServiceDeps{
		Orders:     reg.Orders(),
		UnitOfWork: reg,
		Gateway:    gateway,
		Clock:      func() time.Time { return testNow },
		Events:     events,
		Logger:     logger.log,
	})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	return paymentFixture{
		reg:      reg,
		orders:   newTestOrderService(t, reg, events, logger),
		payments: paymentSvc,
		gateway:  gateway,
		events:   events,
		logger:   logger,
	}
}

func (f paymentFixture) createOrder(t *testing.T, buyer string) domain.Order {
	t.Helper()
	order, err := f.orders.Create(context.Background(), CreateOrderCommand{
		BuyerID:     buyer,
		Lines:       []OrderLineInput{{ProductID: "p1", Quantity: 2}},
		Destination: validDestination(),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestPaymentServiceCreateTransaction(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "buyer-1")

	txn, err := f.payments.CreateTransaction(ctx, Actor{UserID: "buyer-1"}, order.ID, "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if !txn.Amount.Equal(decimal.NewFromInt(2400)) || txn.Currency != "USD" || txn.ReceiptRef != order.ID {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	if txn.Provider != string(domain.PaymentMethodGateway) {
		t.Fatalf("expected order payment method as provider, got %q", txn.Provider)
	}

	if _, err := f.payments.CreateTransaction(ctx, Actor{UserID: "buyer-2"}, order.ID, ""); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for other buyer, got %v", err)
	}

	f.gateway.createErr = fmt.Errorf("%w: dial tcp", payments.ErrUnavailable)
	if _, err := f.payments.CreateTransaction(ctx, Actor{UserID: "buyer-1"}, order.ID, ""); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}

	f.gateway.createErr = nil
	wrong := decimal.NewFromInt(1)
	f.gateway.echoAmount = &wrong
	_, err = f.payments.CreateTransaction(ctx, Actor{UserID: "buyer-1"}, order.ID, "")
	var mismatch *AuthorizationMismatchError
	if !errors.As(err, &mismatch) || !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected authorization mismatch, got %v", err)
	}
	if mismatch.OrderID != order.ID || mismatch.Amount != "1" {
		t.Fatalf("unexpected mismatch details %+v", mismatch)
	}
	if !f.logger.has("payment.transaction.mismatch") {
		t.Fatalf("expected mismatch log entry")
	}
}

func TestPaymentServiceVerifyHappyPath(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "buyer-1")

	paid, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, validConfirmation(order.ID, "pay_1"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if paid.Status() != domain.OrderStatusPaid || paid.PaidAt == nil || !paid.PaidAt.Equal(testNow) {
		t.Fatalf("expected paid order, got %s %v", paid.Status(), paid.PaidAt)
	}
	if paid.Payment == nil || paid.Payment.PaymentID != "pay_1" || !paid.Payment.Amount.Equal(decimal.NewFromInt(2400)) {
		t.Fatalf("unexpected payment %+v", paid.Payment)
	}

	stored, err := f.reg.Orders().FindByID(ctx, order.ID)
	if err != nil || !stored.IsPaid {
		t.Fatalf("expected persisted payment, got %+v %v", stored, err)
	}
	types := f.events.types()
	if len(types) != 2 || types[1] != orderEventPaid {
		t.Fatalf("expected created and paid events, got %v", types)
	}

	if _, err := f.payments.CreateTransaction(ctx, Actor{UserID: "buyer-1"}, order.ID, ""); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected paid order to refuse new transactions, got %v", err)
	}
}

func TestPaymentServiceVerifyRejectsForgedSignature(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "buyer-1")

	forged := validConfirmation(order.ID, "pay_1")
	forged.Signature = "sig:forged"

	_, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, forged)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}

	stored, err := f.reg.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.IsPaid || stored.Payment != nil {
		t.Fatalf("expected order to remain unpaid, got %+v", stored)
	}
	if !f.logger.has("payment.verification.failed") {
		t.Fatalf("expected security log entry")
	}
	for i, entry := range f.logger.entries {
		if entry == "payment.verification.failed" && f.logger.fields[i]["severity"] != "warning" {
			t.Fatalf("expected warning severity, got %v", f.logger.fields[i])
		}
	}

	if _, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, validConfirmation(order.ID, "pay_1")); err != nil {
		t.Fatalf("expected retry with genuine confirmation to succeed, got %v", err)
	}
}

func TestPaymentServiceVerifyDoubleCommitIsIdempotent(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "buyer-1")
	conf := validConfirmation(order.ID, "pay_1")

	first, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, conf)
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	second, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, conf)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}

	if !first.PaidAt.Equal(*second.PaidAt) || first.Payment.PaymentID != second.Payment.PaymentID {
		t.Fatalf("expected identical orders, got %+v and %+v", first, second)
	}
	if calls := f.gateway.calls(); calls != 1 {
		t.Fatalf("expected a single gateway verification, got %d", calls)
	}
	paidEvents := 0
	for _, typ := range f.events.types() {
		if typ == orderEventPaid {
			paidEvents++
		}
	}
	if paidEvents != 1 {
		t.Fatalf("expected one paid event, got %d", paidEvents)
	}

	_, err = f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, validConfirmation(order.ID, "pay_2"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected different payment on paid order to fail, got %v", err)
	}
}

func TestPaymentServiceVerifyReplayRequiresSameSignature(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "buyer-1")
	conf := validConfirmation(order.ID, "pay_1")

	if _, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, conf); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := conf
	tampered.Signature = "forged"
	_, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, tampered)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected tampered signature on paid order to fail verification, got %v", err)
	}

	stored, err := f.reg.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if stored.Payment == nil || stored.Payment.SignatureDigest != domain.SignatureDigest(conf.Signature) {
		t.Fatalf("expected stored digest of the verified signature, got %+v", stored.Payment)
	}

	if _, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, conf); err != nil {
		t.Fatalf("expected replay with the original signature to succeed, got %v", err)
	}
}

func TestPaymentServiceVerifyRejectsPaymentReusedAcrossOrders(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	first := f.createOrder(t, "buyer-1")
	second := f.createOrder(t, "buyer-1")

	if _, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, first.ID, validConfirmation(first.ID, "pay_1")); err != nil {
		t.Fatalf("verify first: %v", err)
	}
	_, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, second.ID, validConfirmation(second.ID, "pay_1"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected reused payment to fail verification, got %v", err)
	}

	stored, err := f.reg.Orders().FindByID(ctx, second.ID)
	if err != nil {
		t.Fatalf("find second: %v", err)
	}
	if stored.IsPaid {
		t.Fatal("expected second order to stay unpaid")
	}
}

func TestPaymentServiceVerifyConcurrentCommits(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "buyer-1")
	conf := validConfirmation(order.ID, "pay_1")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, conf)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent verify: %v", err)
		}
	}
	if calls := f.gateway.calls(); calls != 1 {
		t.Fatalf("expected one gateway verification, got %d", calls)
	}
}

func TestPaymentServiceVerifyGuards(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, "buyer-1")

	if _, err := f.payments.Verify(ctx, Actor{UserID: "buyer-2"}, order.ID, validConfirmation(order.ID, "pay_1")); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for other buyer, got %v", err)
	}

	f.gateway.verifyErr = fmt.Errorf("%w: timeout", payments.ErrUnavailable)
	if _, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, validConfirmation(order.ID, "pay_1")); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	f.gateway.verifyErr = nil

	if _, err := f.orders.Cancel(ctx, Actor{UserID: "buyer-1"}, order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.payments.Verify(ctx, Actor{UserID: "buyer-1"}, order.ID, validConfirmation(order.ID, "pay_1")); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected cancelled order to refuse payment, got %v", err)
	}
}

func TestNewPaymentServiceValidatesDeps(t *testing.T) {
	if _, err := NewPaymentService(PaymentServiceDeps{}); err == nil {
		t.Fatalf("expected error without repositories")
	}
	reg := memory.NewRegistry()
	if _, err := NewPaymentService(PaymentServiceDeps{Orders: reg.Orders()}); err == nil {
		t.Fatalf("expected error without gateway")
	}
}
