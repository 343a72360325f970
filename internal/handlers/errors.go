package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/services"
)

// WriteServiceError maps service sentinels onto the shared error envelope. Unrecognised
// errors are logged and reported as 500.
func WriteServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var (
		validation *services.ValidationError
		stock      *services.StockConflictError
		mismatch   *services.AuthorizationMismatchError
	)
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request failed validation", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": validation.Fields}))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
	case errors.As(err, &stock):
		lines := make([]map[string]any, 0, len(stock.Lines))
		for _, line := range stock.Lines {
			lines = append(lines, map[string]any{
				"product_id": line.ProductID,
				"requested":  line.Requested,
				"available":  line.Available,
			})
		}
		httpx.WriteError(ctx, w, httpx.NewError("stock_conflict", "insufficient stock", http.StatusConflict).
			WithDetails(map[string]any{"lines": lines}))
	case errors.Is(err, services.ErrTransitionDenied) && errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("transition_denied", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrTransitionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("transition_denied", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "operator role required", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrVerificationFailed):
		httpx.WriteError(ctx, w, httpx.NewError("verification_failed", "payment could not be verified", http.StatusPaymentRequired))
	case errors.As(err, &mismatch):
		httpx.WriteError(ctx, w, httpx.NewError("authorization_mismatch", "payment authorization does not match the order", http.StatusBadGateway).
			WithDetails(map[string]any{"order_id": mismatch.OrderID}))
	case errors.Is(err, services.ErrAuthorizationMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("authorization_mismatch", "payment authorization does not match the order", http.StatusBadGateway))
	case errors.Is(err, services.ErrGatewayUnavailable):
		w.Header().Set("Retry-After", "5")
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "order was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrUnavailable):
		w.Header().Set("Retry-After", "5")
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func writeInvalidBody(ctx context.Context, w http.ResponseWriter, err error) {
	message := "request body must be valid JSON"
	if err != nil {
		message = err.Error()
	}
	httpx.WriteError(ctx, w, httpx.NewError("validation_error", message, http.StatusBadRequest))
}

// actorFromRequest converts the verified identity into a service actor. It writes a 401
// and reports false when the request carries none.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{
		UserID:     strings.TrimSpace(identity.UID),
		IsOperator: identity.IsOperator(),
	}, true
}
