package storefront

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/cart"
	"github.com/hanko-field/checkout/internal/checkout"
	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/wire"
)

// OrderReader fetches the authoritative order state. checkout.Client satisfies it.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// Deps bundles the storefront collaborators.
type Deps struct {
	Carts        cart.Store
	Orchestrator *checkout.Orchestrator
	Orders       OrderReader
	Pricing      domain.PricingPolicy
	Clock        func() time.Time
}

// Handlers serves the session cart and drives checkout through the orchestrator.
type Handlers struct {
	carts   cart.Store
	orch    *checkout.Orchestrator
	orders  OrderReader
	pricing domain.PricingPolicy
	now     func() time.Time
}

func NewHandlers(deps Deps) *Handlers {
	pricing := deps.Pricing
	if pricing.TaxRate.IsZero() && pricing.ShippingFee.IsZero() && pricing.FreeShippingThreshold.IsZero() {
		pricing = domain.DefaultPricingPolicy()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		carts:   deps.Carts,
		orch:    deps.Orchestrator,
		orders:  deps.Orders,
		pricing: pricing,
		now:     now,
	}
}

// RouterOption customises NewRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	session     []SessionOption
	health      *handlers.HealthHandlers
}

// WithRouterMiddlewares appends middleware ahead of the session resolver.
func WithRouterMiddlewares(mw ...func(http.Handler) http.Handler) RouterOption {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithSessionOptions configures the session middleware.
func WithSessionOptions(opts ...SessionOption) RouterOption {
	return func(cfg *routerConfig) {
		cfg.session = append(cfg.session, opts...)
	}
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *handlers.HealthHandlers) RouterOption {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// NewRouter wires the storefront routes.
func NewRouter(h *Handlers, opts ...RouterOption) chi.Router {
	cfg := routerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "route not found", http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", "method not allowed", http.StatusMethodNotAllowed))
	})

	if cfg.health != nil {
		r.Get("/healthz", cfg.health.Healthz)
		r.Get("/readyz", cfg.health.Readyz)
	}

	r.Group(func(r chi.Router) {
		r.Use(Session(cfg.session...))
		r.Use(ForwardBearer)

		r.Get("/cart", h.getCart)
		r.Post("/cart", h.addItem)
		r.Delete("/cart", h.clearCart)
		r.Delete("/cart/items/{productID}", h.removeItem)
		r.Put("/cart/destination", h.putDestination)
		r.Post("/checkout", h.placeOrder)
		r.Post("/checkout/{orderID}:confirm", h.confirm)
		r.Get("/orders/{orderID}", h.getOrder)
		r.Post("/orders/{orderID}:cancel", h.cancel)
		r.Post("/orders/{orderID}:request-return", h.requestReturn)
	})
	return r
}

type cartLine struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	UnitPrice    string `json:"unit_price"`
	Quantity     int    `json:"quantity"`
	Variant      string `json:"variant,omitempty"`
	StockCeiling int    `json:"stock_ceiling"`
	Total        string `json:"total"`
}

type cartView struct {
	Session     string            `json:"session"`
	Lines       []cartLine        `json:"lines"`
	Destination *wire.Destination `json:"destination,omitempty"`
	Pricing     wire.Pricing      `json:"pricing"`
}

type productSnapshot struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Stock     int    `json:"stock"`
}

type addItemRequest struct {
	Product  productSnapshot `json:"product"`
	Quantity int             `json:"quantity"`
	Variant  string          `json:"variant"`
}

type checkoutRequest struct {
	PaymentMethod string `json:"payment_method"`
}

type placementPayload struct {
	Order       wire.Order       `json:"order"`
	Transaction wire.Transaction `json:"transaction"`
	Quote       wire.Pricing     `json:"quote"`
}

func (h *Handlers) aggregator(w http.ResponseWriter, r *http.Request) (*cart.Aggregator, bool) {
	session, ok := requestctx.Session(r.Context())
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("session_required", "cart session required", http.StatusBadRequest))
		return nil, false
	}
	agg, err := cart.New(h.carts, session, cart.WithClock(h.now))
	if err != nil {
		writeError(r.Context(), w, err)
		return nil, false
	}
	return agg, true
}

func (h *Handlers) view(ctx context.Context, agg *cart.Aggregator) (cartView, error) {
	lines, quote, err := agg.Quote(ctx, h.pricing)
	if err != nil {
		return cartView{}, err
	}
	out := cartView{
		Session: agg.Session(),
		Lines:   make([]cartLine, 0, len(lines)),
		Pricing: wire.FromPricing(quote),
	}
	for _, line := range lines {
		out.Lines = append(out.Lines, cartLine{
			ProductID:    line.ProductID,
			Name:         line.Name,
			UnitPrice:    wire.FormatMoney(line.UnitPrice),
			Quantity:     line.Quantity,
			Variant:      line.Variant,
			StockCeiling: line.StockCeiling,
			Total:        wire.FormatMoney(domain.LineItem{UnitPrice: line.UnitPrice, Quantity: line.Quantity}.Total()),
		})
	}
	destination, ok, err := agg.Destination(ctx)
	if err != nil {
		return cartView{}, err
	}
	if ok {
		d := wire.FromDestination(destination)
		out.Destination = &d
	}
	return out, nil
}

func (h *Handlers) respondCart(w http.ResponseWriter, r *http.Request, agg *cart.Aggregator, status int) {
	out, err := h.view(r.Context(), agg)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, status, out)
}

func (h *Handlers) getCart(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.aggregator(w, r)
	if !ok {
		return
	}
	h.respondCart(w, r, agg, http.StatusOK)
}

func (h *Handlers) addItem(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.aggregator(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}
	price, err := wire.ParseMoney("product.unit_price", req.Product.UnitPrice)
	if err != nil || price.IsNegative() {
		httpx.WriteError(r.Context(), w, httpx.NewError("validation_error", "request failed validation", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": map[string]string{"product.unit_price": "must be a non-negative amount"}}))
		return
	}
	product := domain.Product{
		ID:        strings.TrimSpace(req.Product.ID),
		Name:      strings.TrimSpace(req.Product.Name),
		UnitPrice: price,
		Stock:     req.Product.Stock,
	}
	if _, err := agg.Add(r.Context(), product, req.Quantity, strings.TrimSpace(req.Variant)); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	h.respondCart(w, r, agg, http.StatusOK)
}

func (h *Handlers) clearCart(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.aggregator(w, r)
	if !ok {
		return
	}
	if err := agg.Clear(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) removeItem(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.aggregator(w, r)
	if !ok {
		return
	}
	removed, err := agg.Remove(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if !removed {
		httpx.WriteError(r.Context(), w, httpx.NewError("cart_item_not_found", "product is not in the cart", http.StatusNotFound))
		return
	}
	h.respondCart(w, r, agg, http.StatusOK)
}

func (h *Handlers) putDestination(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.aggregator(w, r)
	if !ok {
		return
	}
	var req wire.Destination
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}
	if err := agg.SaveDestination(r.Context(), req.Domain()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	h.respondCart(w, r, agg, http.StatusOK)
}

func (h *Handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.aggregator(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(w, r, &req); err != nil {
			writeError(r.Context(), w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
			return
		}
	}
	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if method == "" {
		method = domain.PaymentMethodGateway
	}

	placement, err := h.orch.PlaceOrder(r.Context(), agg, method)
	if err != nil {
		if errors.Is(err, checkout.ErrAuthorizationMismatch) {
			httpx.WriteError(r.Context(), w, httpx.NewError("authorization_mismatch", "payment authorization does not match the order", http.StatusBadGateway).
				WithDetails(map[string]any{"order_id": placement.Order.ID}))
			return
		}
		writeError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, placementPayload{
		Order:       wire.FromOrder(placement.Order),
		Transaction: wire.FromTransaction(placement.Transaction),
		Quote:       wire.FromPricing(placement.Quote),
	})
}

func (h *Handlers) confirm(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.aggregator(w, r)
	if !ok {
		return
	}
	var req wire.VerifyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}
	order, err := h.orch.Commit(r.Context(), agg, chi.URLParam(r, "orderID"), req.Domain())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

func (h *Handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orch.Cancel)
}

func (h *Handlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orch.RequestReturn)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, call func(context.Context, string) (domain.Order, error)) {
	order, err := call(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wire.FromOrder(order))
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		envelope httpx.Error
		limit    *cart.StockLimitError
	)
	switch {
	case errors.As(err, &limit):
		httpx.WriteError(ctx, w, httpx.NewError("stock_limit", "quantity exceeds available stock", http.StatusConflict).
			WithDetails(map[string]any{
				"product_id": limit.ProductID,
				"variant":    limit.Variant,
				"ceiling":    limit.Ceiling,
				"proposed":   limit.Proposed,
			}))
	case errors.Is(err, cart.ErrInvalidQuantity), errors.Is(err, cart.ErrInvalidProduct):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
	case errors.Is(err, checkout.ErrCheckoutInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_flight", "another checkout is in progress for this session", http.StatusConflict))
	case errors.Is(err, checkout.ErrUnauthenticated):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case isLocalEnvelope(err, &envelope):
		httpx.WriteError(ctx, w, envelope)
	default:
		handlers.WriteServiceError(ctx, w, err)
	}
}

// isLocalEnvelope reports an unwrapped httpx.Error. Envelopes the order API client wrapped
// beneath a service sentinel fall through to the sentinel mapping.
func isLocalEnvelope(err error, target *httpx.Error) bool {
	e, ok := err.(httpx.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
