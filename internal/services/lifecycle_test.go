package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/hanko-field/checkout/internal/domain"
)

func TestCanTransitionReachability(t *testing.T) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusCreated,
		domain.OrderStatusPaid,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
		domain.OrderStatusReturnRequested,
	}
	allowed := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusCreated, domain.OrderStatusPaid}:              true,
		{domain.OrderStatusCreated, domain.OrderStatusCancelled}:         true,
		{domain.OrderStatusPaid, domain.OrderStatusDelivered}:            true,
		{domain.OrderStatusPaid, domain.OrderStatusCancelled}:            true,
		{domain.OrderStatusDelivered, domain.OrderStatusReturnRequested}: true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]domain.OrderStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func paidOrder(t *testing.T, f paymentFixture, buyer string) domain.Order {
	t.Helper()
	order := f.createOrder(t, buyer)
	paid, err := f.payments.Verify(context.Background(), Actor{UserID: buyer}, order.ID, validConfirmation(order.ID, "pay_"+order.ID))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return paid
}

func TestMarkDeliveredRequiresOperatorAndPayment(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	operator := Actor{UserID: "ops", IsOperator: true}

	unpaid := f.createOrder(t, "buyer-1")
	if _, err := f.orders.MarkDelivered(ctx, operator, unpaid.ID); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected unpaid delivery to be denied, got %v", err)
	}

	order := paidOrder(t, f, "buyer-1")
	_, err := f.orders.MarkDelivered(ctx, Actor{UserID: "buyer-1"}, order.ID)
	if !errors.Is(err, ErrTransitionDenied) || !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected role denial, got %v", err)
	}

	delivered, err := f.orders.MarkDelivered(ctx, operator, order.ID)
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if delivered.Status() != domain.OrderStatusDelivered || delivered.DeliveredAt == nil || !delivered.DeliveredAt.Equal(testNow) {
		t.Fatalf("unexpected delivered order %+v", delivered)
	}

	_, err = f.orders.MarkDelivered(ctx, operator, order.ID)
	if !errors.Is(err, ErrTransitionDenied) || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected repeat delivery to be a state denial, got %v", err)
	}
}

func TestCancelAfterDeliveryIsDenied(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := paidOrder(t, f, "buyer-1")

	if _, err := f.orders.MarkDelivered(ctx, Actor{UserID: "ops", IsOperator: true}, order.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	_, err := f.orders.Cancel(ctx, Actor{UserID: "buyer-1"}, order.ID)
	if !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected ErrTransitionDenied, got %v", err)
	}
	stored, err := f.reg.Orders().FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.IsCancelled || stored.CancelledAt != nil {
		t.Fatalf("expected order unchanged, got %+v", stored)
	}
}

func TestCancelOwnershipAndPaidFlag(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	unpaid := f.createOrder(t, "buyer-1")
	if _, err := f.orders.Cancel(ctx, Actor{UserID: "buyer-2"}, unpaid.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ownership denial, got %v", err)
	}
	if _, err := f.orders.Cancel(ctx, Actor{UserID: "ops", IsOperator: true}, unpaid.ID); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected operators to be refused, got %v", err)
	}
	cancelled, err := f.orders.Cancel(ctx, Actor{UserID: "buyer-1"}, unpaid.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status() != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if _, err := f.orders.Cancel(ctx, Actor{UserID: "buyer-1"}, unpaid.ID); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected second cancel to be denied, got %v", err)
	}

	paid := paidOrder(t, f, "buyer-1")
	if _, err := f.orders.Cancel(ctx, Actor{UserID: "buyer-1"}, paid.ID); err != nil {
		t.Fatalf("cancel paid: %v", err)
	}

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	var flags []any
	for _, event := range f.events.events {
		if event.Type == orderEventCancelled {
			flags = append(flags, event.Metadata["was_paid"])
		}
	}
	if len(flags) != 2 || flags[0] != false || flags[1] != true {
		t.Fatalf("expected was_paid flags [false true], got %v", flags)
	}
}

func TestRequestReturn(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	order := paidOrder(t, f, "buyer-1")

	if _, err := f.orders.RequestReturn(ctx, Actor{UserID: "buyer-1"}, order.ID); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected return before delivery to be denied, got %v", err)
	}
	if _, err := f.orders.MarkDelivered(ctx, Actor{UserID: "ops", IsOperator: true}, order.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if _, err := f.orders.RequestReturn(ctx, Actor{UserID: "buyer-2"}, order.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ownership denial, got %v", err)
	}

	returned, err := f.orders.RequestReturn(ctx, Actor{UserID: "buyer-1"}, order.ID)
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if returned.Status() != domain.OrderStatusReturnRequested || returned.ReturnRequestedAt == nil || !returned.IsDelivered {
		t.Fatalf("unexpected returned order %+v", returned)
	}
	if _, err := f.orders.RequestReturn(ctx, Actor{UserID: "buyer-1"}, order.ID); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected repeat return request to be denied, got %v", err)
	}
	if _, err := f.orders.Cancel(ctx, Actor{UserID: "buyer-1"}, order.ID); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("expected cancel after return request to be denied, got %v", err)
	}
}

func TestTransitionMissingOrder(t *testing.T) {
	f := newPaymentFixture(t)
	if _, err := f.orders.Cancel(context.Background(), Actor{UserID: "buyer-1"}, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
