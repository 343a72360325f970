package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/repositories"
)

const paymentMeterName = "github.com/hanko-field/checkout/internal/services"

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders     repositories.OrderRepository
	UnitOfWork repositories.UnitOfWork
	Gateway    PaymentGateway
	Clock      func() time.Time
	Events     OrderEventPublisher
	Meter      metric.Meter
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders        repositories.OrderRepository
	unitOfWork    repositories.UnitOfWork
	gateway       PaymentGateway
	clock         func() time.Time
	events        OrderEventPublisher
	verifications metric.Int64Counter
	logger        func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(paymentMeterName)
	}
	verifications, err := meter.Int64Counter(
		"checkout.payment.verifications",
		metric.WithDescription("Payment confirmations processed, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("payment service: verification counter: %w", err)
	}

	return &paymentService{
		orders:     deps.Orders,
		unitOfWork: unit,
		gateway:    deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		events:        deps.Events,
		verifications: verifications,
		logger:        logger,
	}, nil
}

// CreateTransaction opens a gateway transaction for the order's grand total. The gateway's
// echoed amount and currency must match the order.
func (s *paymentService) CreateTransaction(ctx context.Context, actor Actor, orderID string, provider string) (domain.GatewayTransaction, error) {
	order, err := s.loadOwned(ctx, s.orders.FindByID, actor, orderID)
	if err != nil {
		return domain.GatewayTransaction{}, err
	}
	if order.IsPaid || order.IsCancelled {
		return domain.GatewayTransaction{}, fmt.Errorf("%w: order %s is %s", ErrTransitionDenied, order.ID, order.Status())
	}

	if strings.TrimSpace(provider) == "" {
		provider = string(order.PaymentMethod)
	}
	txn, err := s.gateway.CreateTransaction(ctx,
		payments.PaymentContext{PreferredProvider: provider, Currency: order.Currency},
		payments.TransactionRequest{
			Receipt:        order.ID,
			Amount:         order.Pricing.GrandTotal,
			Currency:       order.Currency,
			IdempotencyKey: "txn_" + order.ID,
			Metadata:       map[string]string{"buyer_id": order.BuyerID},
		},
	)
	if err != nil {
		return domain.GatewayTransaction{}, mapGatewayError(err)
	}
	if !txn.Amount.Equal(order.Pricing.GrandTotal) || !strings.EqualFold(txn.Currency, order.Currency) {
		s.logger(ctx, "payment.transaction.mismatch", map[string]any{
			"severity":       "warning",
			"orderId":        order.ID,
			"gatewayOrderId": txn.GatewayOrderID,
			"amount":         txn.Amount.String(),
			"currency":       txn.Currency,
		})
		return domain.GatewayTransaction{}, &AuthorizationMismatchError{
			OrderID:  order.ID,
			Amount:   txn.Amount.String(),
			Currency: txn.Currency,
		}
	}
	if txn.ReceiptRef == "" {
		txn.ReceiptRef = order.ID
	}

	s.logger(ctx, "payment.transaction.created", map[string]any{
		"orderId":        order.ID,
		"provider":       txn.Provider,
		"gatewayOrderId": txn.GatewayOrderID,
	})
	return txn, nil
}

// Verify marks the order paid once the gateway proves the confirmation. Repeating a
// confirmation already recorded on the order returns the order unchanged.
func (s *paymentService) Verify(ctx context.Context, actor Actor, orderID string, confirmation domain.GatewayConfirmation) (domain.Order, error) {
	var (
		order    domain.Order
		replayed bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.loadOwned(txCtx, s.orders.LockByID, actor, orderID)
		if err != nil {
			return err
		}
		if current.IsPaid {
			if current.Payment != nil && current.Payment.Matches(confirmation) {
				order = current
				replayed = true
				return nil
			}
			return fmt.Errorf("%w: order %s already paid by a different payment or signature", ErrVerificationFailed, current.ID)
		}
		if current.IsCancelled {
			return fmt.Errorf("%w: order %s is cancelled", ErrTransitionDenied, current.ID)
		}

		provider := strings.TrimSpace(confirmation.Provider)
		if provider == "" {
			provider = string(current.PaymentMethod)
		}
		result, err := s.gateway.Verify(txCtx,
			payments.PaymentContext{PreferredProvider: provider, Currency: current.Currency},
			payments.VerifyRequest{
				OrderID:      current.ID,
				Amount:       current.Pricing.GrandTotal,
				Currency:     current.Currency,
				Confirmation: confirmation,
			},
		)
		if err != nil {
			return mapGatewayError(err)
		}

		now := s.clock()
		if result.VerifiedAt.IsZero() {
			result.VerifiedAt = now
		}
		result.SignatureDigest = domain.SignatureDigest(confirmation.Signature)
		current.IsPaid = true
		current.PaidAt = &now
		current.Payment = &result
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsConflict() {
				return fmt.Errorf("%w: payment %s already recorded against another order", ErrVerificationFailed, result.PaymentID)
			}
			return mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		s.recordVerification(ctx, confirmation.Provider, verificationOutcome(err))
		if errors.Is(err, ErrVerificationFailed) {
			s.logger(ctx, "payment.verification.failed", map[string]any{
				"severity":       "warning",
				"security":       true,
				"orderId":        strings.TrimSpace(orderID),
				"actorId":        actor.UserID,
				"gatewayOrderId": confirmation.GatewayOrderID,
				"paymentId":      confirmation.PaymentID,
				"error":          err.Error(),
			})
		}
		return domain.Order{}, err
	}

	if replayed {
		s.recordVerification(ctx, order.Payment.Provider, "replayed")
		return order, nil
	}

	s.recordVerification(ctx, order.Payment.Provider, "verified")
	s.logger(ctx, "payment.verified", map[string]any{
		"orderId":   order.ID,
		"provider":  order.Payment.Provider,
		"paymentId": order.Payment.PaymentID,
	})
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           orderEventPaid,
		OrderID:        order.ID,
		BuyerID:        order.BuyerID,
		PreviousStatus: domain.OrderStatusCreated,
		CurrentStatus:  order.Status(),
		ActorID:        actor.UserID,
		GrandTotal:     order.Pricing.GrandTotal,
		Currency:       order.Currency,
		OccurredAt:     *order.PaidAt,
		Metadata: map[string]any{
			"provider":  order.Payment.Provider,
			"paymentId": order.Payment.PaymentID,
		},
	})
	return order, nil
}

func (s *paymentService) loadOwned(ctx context.Context, load func(context.Context, string) (domain.Order, error), actor Actor, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, &ValidationError{Fields: map[string]string{"order_id": "required"}}
	}
	order, err := load(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	if order.BuyerID != actor.UserID {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *paymentService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *paymentService) recordVerification(ctx context.Context, provider string, outcome string) {
	s.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", strings.ToLower(strings.TrimSpace(provider))),
		attribute.String("outcome", outcome),
	))
}

func mapGatewayError(err error) error {
	switch {
	case errors.Is(err, payments.ErrVerificationFailed):
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	case errors.Is(err, payments.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return &ValidationError{Fields: map[string]string{"provider": "unsupported"}}
	default:
		return err
	}
}

func verificationOutcome(err error) string {
	switch {
	case errors.Is(err, ErrVerificationFailed):
		return "rejected"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
