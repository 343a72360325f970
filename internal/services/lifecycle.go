package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCreated:   {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:      {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusDelivered: {domain.OrderStatusReturnRequested},
}

// CanTransition reports whether the lifecycle permits moving from current to target.
func CanTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

type transitionRule struct {
	target    domain.OrderStatus
	eventType string
	authorize func(actor Actor, order domain.Order) error
	apply     func(order *domain.Order, now time.Time)
}

var (
	markDeliveredTransition = transitionRule{
		target:    domain.OrderStatusDelivered,
		eventType: orderEventDelivered,
		authorize: requireOperator,
		apply: func(order *domain.Order, now time.Time) {
			order.IsDelivered = true
			order.DeliveredAt = &now
		},
	}
	cancelTransition = transitionRule{
		target:    domain.OrderStatusCancelled,
		eventType: orderEventCancelled,
		authorize: requireOwner,
		apply: func(order *domain.Order, now time.Time) {
			order.IsCancelled = true
			order.CancelledAt = &now
		},
	}
	requestReturnTransition = transitionRule{
		target:    domain.OrderStatusReturnRequested,
		eventType: orderEventReturnRequested,
		authorize: requireOwner,
		apply: func(order *domain.Order, now time.Time) {
			order.IsReturnRequested = true
			order.ReturnRequestedAt = &now
		},
	}
)

// MarkDelivered records delivery of a paid order. Operators only.
func (s *orderService) MarkDelivered(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	return s.transition(ctx, actor, orderID, markDeliveredTransition)
}

// Cancel cancels an order that has not been delivered. Owners only. Paid orders are not
// refunded here; the cancellation event flags them for follow-up.
func (s *orderService) Cancel(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	return s.transition(ctx, actor, orderID, cancelTransition)
}

// RequestReturn flags a delivered order for return. Owners only.
func (s *orderService) RequestReturn(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	return s.transition(ctx, actor, orderID, requestReturnTransition)
}

func (s *orderService) transition(ctx context.Context, actor Actor, orderID string, rule transitionRule) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, &ValidationError{Fields: map[string]string{"order_id": "required"}}
	}

	now := s.now()
	var (
		order      domain.Order
		prevStatus domain.OrderStatus
		wasPaid    bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := rule.authorize(actor, current); err != nil {
			return err
		}
		prevStatus = current.Status()
		if !CanTransition(prevStatus, rule.target) {
			return fmt.Errorf("%w: order %s is %s, cannot become %s", ErrTransitionDenied, orderID, prevStatus, rule.target)
		}
		wasPaid = current.IsPaid

		rule.apply(&current, now)
		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logger(ctx, "order.transitioned", map[string]any{
		"orderId": order.ID,
		"from":    string(prevStatus),
		"to":      string(rule.target),
		"actorId": actor.UserID,
	})

	var metadata map[string]any
	if rule.target == domain.OrderStatusCancelled {
		metadata = map[string]any{"was_paid": wasPaid}
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           rule.eventType,
		OrderID:        order.ID,
		BuyerID:        order.BuyerID,
		PreviousStatus: prevStatus,
		CurrentStatus:  order.Status(),
		ActorID:        actor.UserID,
		GrandTotal:     order.Pricing.GrandTotal,
		Currency:       order.Currency,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

func requireOperator(actor Actor, _ domain.Order) error {
	if !actor.IsOperator {
		return fmt.Errorf("%w: %w: operator role required", ErrTransitionDenied, ErrForbidden)
	}
	return nil
}

func requireOwner(actor Actor, order domain.Order) error {
	if strings.TrimSpace(actor.UserID) == "" || order.BuyerID != actor.UserID {
		return fmt.Errorf("%w: %w: only the buyer may change this order", ErrTransitionDenied, ErrForbidden)
	}
	return nil
}
