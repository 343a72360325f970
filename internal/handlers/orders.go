package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
	"github.com/hanko-field/checkout/internal/wire"
)

const maxListLimit = 200

// OrderHandlers exposes the buyer-facing order and payment endpoints.
type OrderHandlers struct {
	authenticate func(http.Handler) http.Handler
	idempotency  func(http.Handler) http.Handler
	orders       services.OrderService
	payments     services.PaymentService
}

// OrderHandlersDeps bundles the collaborators of OrderHandlers. Idempotency may be nil.
type OrderHandlersDeps struct {
	Authenticate func(http.Handler) http.Handler
	Idempotency  func(http.Handler) http.Handler
	Orders       services.OrderService
	Payments     services.PaymentService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(deps OrderHandlersDeps) *OrderHandlers {
	return &OrderHandlers{
		authenticate: deps.Authenticate,
		idempotency:  deps.Idempotency,
		orders:       deps.Orders,
		payments:     deps.Payments,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authenticate != nil {
		r.Use(h.authenticate)
	}

	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/payments", h.createTransaction)
	r.Post("/{orderID}/payments:verify", h.verifyPayment)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:request-return", h.requestReturn)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req wire.CreateOrderRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeInvalidBody(ctx, w, err)
		return
	}

	cmd := services.CreateOrderCommand{
		BuyerID:       actor.UserID,
		Lines:         make([]services.OrderLineInput, 0, len(req.Lines)),
		Destination:   req.Destination.Domain(),
		PaymentMethod: domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Currency:      req.Currency,
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.OrderLineInput{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Variant:   line.Variant,
		})
	}
	if req.Quoted != nil {
		quoted, err := req.Quoted.Domain()
		if err != nil {
			WriteServiceError(ctx, w, &services.ValidationError{Fields: map[string]string{"quoted": err.Error()}})
			return
		}
		cmd.Quoted = &quoted
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		WriteServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, wire.FromOrder(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.ListMine(r.Context(), actor, limit)
	if err != nil {
		WriteServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderList(orders))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(r.Context(), actor, chi.URLParam(r, "orderID"))
	if err != nil {
		WriteServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

func (h *OrderHandlers) createTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req wire.CreateTransactionRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(w, r, &req); err != nil {
			writeInvalidBody(ctx, w, err)
			return
		}
	}
	txn, err := h.payments.CreateTransaction(ctx, actor, chi.URLParam(r, "orderID"), req.Provider)
	if err != nil {
		WriteServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, wire.FromTransaction(txn))
}

func (h *OrderHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req wire.VerifyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeInvalidBody(ctx, w, err)
		return
	}
	order, err := h.payments.Verify(ctx, actor, chi.URLParam(r, "orderID"), req.Domain())
	if err != nil {
		WriteServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Cancel(r.Context(), actor, chi.URLParam(r, "orderID"))
	if err != nil {
		WriteServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.RequestReturn(r.Context(), actor, chi.URLParam(r, "orderID"))
	if err != nil {
		WriteServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

// parseLimit reads ?limit=. Zero means the service default; values above the cap are clamped.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		WriteServiceError(r.Context(), w, &services.ValidationError{Fields: map[string]string{"limit": "must be a non-negative integer"}})
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func orderList(orders []domain.Order) wire.OrderList {
	out := wire.OrderList{Items: make([]wire.Order, 0, len(orders))}
	for _, order := range orders {
		out.Items = append(out.Items, wire.FromOrder(order))
	}
	return out
}
