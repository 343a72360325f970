package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation signals malformed input. Concrete failures are *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrStockConflict signals that one or more products lack the requested stock.
	ErrStockConflict = errors.New("stock conflict")
	// ErrGatewayUnavailable signals a payment gateway transport failure. Retryable.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrVerificationFailed signals a payment confirmation that does not prove payment.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrAuthorizationMismatch signals a gateway transaction whose amount or currency differs
	// from the order total. The checkout attempt must stop. Concrete failures are
	// *AuthorizationMismatchError.
	ErrAuthorizationMismatch = errors.New("payment authorization does not match order")
	// ErrTransitionDenied signals a lifecycle transition not permitted from the current state.
	ErrTransitionDenied = errors.New("transition denied")
	// ErrForbidden accompanies ErrTransitionDenied when the actor lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrOrderNotFound indicates the order does not exist or is not visible to the actor.
	ErrOrderNotFound = errors.New("order not found")
	// ErrConflict indicates a concurrent write won. The caller may retry.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable indicates the order store is unreachable.
	ErrUnavailable = errors.New("order store unavailable")
)

// ValidationError lists every offending field with a short reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = reason
	}
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// StockShortfall describes one product whose stock cannot cover the request.
type StockShortfall struct {
	ProductID string
	Requested int
	Available int
}

// StockConflictError lists the offending products of a rejected order.
type StockConflictError struct {
	Lines []StockShortfall
}

func (e *StockConflictError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", line.ProductID, line.Requested, line.Available))
	}
	return fmt.Sprintf("%s: %s", ErrStockConflict, strings.Join(parts, ", "))
}

func (e *StockConflictError) Is(target error) bool {
	return target == ErrStockConflict
}

// AuthorizationMismatchError reports what the gateway echoed against the order it was opened for.
type AuthorizationMismatchError struct {
	OrderID  string
	Amount   string
	Currency string
}

func (e *AuthorizationMismatchError) Error() string {
	if e.Amount == "" && e.Currency == "" {
		return fmt.Sprintf("%s: order %s", ErrAuthorizationMismatch, e.OrderID)
	}
	return fmt.Sprintf("%s: order %s, gateway echoed %s %s", ErrAuthorizationMismatch, e.OrderID, e.Amount, e.Currency)
}

func (e *AuthorizationMismatchError) Is(target error) bool {
	return target == ErrAuthorizationMismatch
}
