package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
	"github.com/hanko-field/checkout/internal/wire"
)

// AdminOrderHandlers exposes operator endpoints under /admin/orders.
type AdminOrderHandlers struct {
	middlewares []func(http.Handler) http.Handler
	orders      services.OrderService
}

// NewAdminOrderHandlers builds the operator handlers. middlewares typically authenticate
// the caller and require an operator role.
func NewAdminOrderHandlers(orders services.OrderService, middlewares ...func(http.Handler) http.Handler) *AdminOrderHandlers {
	return &AdminOrderHandlers{middlewares: middlewares, orders: orders}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	for _, mw := range h.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/analytics", h.analytics)
	r.Post("/orders/{orderID}:deliver", h.markDelivered)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.ListAll(r.Context(), actor, limit)
	if err != nil {
		WriteServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderList(orders))
}

// analytics aggregates paid sales by month. from and to accept RFC3339 or YYYY-MM-DD.
func (h *AdminOrderHandlers) analytics(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	var (
		filter services.AnalyticsFilter
		invalid = map[string]string{}
	)
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			invalid["from"] = "must be RFC3339 or YYYY-MM-DD"
		}
		filter.From = ts
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			invalid["to"] = "must be RFC3339 or YYYY-MM-DD"
		}
		filter.To = ts
	}
	if len(invalid) > 0 {
		WriteServiceError(r.Context(), w, &services.ValidationError{Fields: invalid})
		return
	}

	periods, err := h.orders.Analytics(r.Context(), actor, filter)
	if err != nil {
		WriteServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromSalesPeriods(periods))
}

func (h *AdminOrderHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.MarkDelivered(r.Context(), actor, chi.URLParam(r, "orderID"))
	if err != nil {
		WriteServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

func parseTimeParam(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
