// Package checkout drives a session's cart through order placement and payment against the
// order API.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
	"github.com/hanko-field/checkout/internal/wire"
)

// ErrUnauthenticated reports a request the order API refused for lack of a valid token.
var ErrUnauthenticated = errors.New("checkout: unauthenticated")

const idempotencyHeader = "Idempotency-Key"

type tokenKey struct{}

// WithBearerToken attaches the buyer's ID token to ctx for forwarding to the order API.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, strings.TrimSpace(token))
}

func bearerToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is the HTTP binding of the order service. Error envelopes are decoded back into
// the services sentinels so callers can branch with errors.Is.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient validates the base URL and returns a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("checkout client: invalid base url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, http: httpClient}, nil
}

// NewIdempotencyKey returns a random key for CreateOrder.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// CreateOrder submits the priced snapshot. An empty key gets a fresh one; reusing a key
// replays the first response.
func (c *Client) CreateOrder(ctx context.Context, req wire.CreateOrderRequest, idempotencyKey string) (domain.Order, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		idempotencyKey = NewIdempotencyKey()
	}
	var out wire.Order
	if err := c.do(ctx, http.MethodPost, c.path("orders"), nil, idempotencyKey, req, &out); err != nil {
		return domain.Order{}, err
	}
	return out.Domain()
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return c.orderCall(ctx, http.MethodGet, c.path("orders", orderID), nil)
}

func (c *Client) ListMine(ctx context.Context, limit int) ([]domain.Order, error) {
	return c.list(ctx, c.path("orders"), limit)
}

func (c *Client) ListAll(ctx context.Context, limit int) ([]domain.Order, error) {
	return c.list(ctx, c.path("admin", "orders"), limit)
}

// Analytics fetches monthly paid sales. Zero bounds are omitted.
func (c *Client) Analytics(ctx context.Context, from, to time.Time) ([]domain.SalesPeriod, error) {
	query := url.Values{}
	if !from.IsZero() {
		query.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		query.Set("to", to.UTC().Format(time.RFC3339))
	}
	var out wire.Analytics
	if err := c.do(ctx, http.MethodGet, c.path("admin", "orders", "analytics"), query, "", nil, &out); err != nil {
		return nil, err
	}
	periods := make([]domain.SalesPeriod, 0, len(out.Periods))
	for _, p := range out.Periods {
		total, err := wire.ParseMoney("total_sales", p.TotalSales)
		if err != nil {
			return nil, err
		}
		periods = append(periods, domain.SalesPeriod{Period: p.Period, TotalSales: total, OrderCount: p.OrderCount})
	}
	return periods, nil
}

func (c *Client) CreateTransaction(ctx context.Context, orderID, provider string) (domain.GatewayTransaction, error) {
	var out wire.Transaction
	err := c.do(ctx, http.MethodPost, c.path("orders", orderID, "payments"), nil, "", wire.CreateTransactionRequest{Provider: provider}, &out)
	if err != nil {
		return domain.GatewayTransaction{}, err
	}
	return out.Domain()
}

func (c *Client) VerifyPayment(ctx context.Context, orderID string, confirmation domain.GatewayConfirmation) (domain.Order, error) {
	return c.orderCall(ctx, http.MethodPost, c.path("orders", orderID, "payments:verify"), wire.FromConfirmation(confirmation))
}

func (c *Client) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	return c.orderCall(ctx, http.MethodPost, c.path("orders", orderID+":cancel"), nil)
}

func (c *Client) RequestReturn(ctx context.Context, orderID string) (domain.Order, error) {
	return c.orderCall(ctx, http.MethodPost, c.path("orders", orderID+":request-return"), nil)
}

func (c *Client) MarkDelivered(ctx context.Context, orderID string) (domain.Order, error) {
	return c.orderCall(ctx, http.MethodPost, c.path("admin", "orders", orderID+":deliver"), nil)
}

func (c *Client) orderCall(ctx context.Context, method, path string, body any) (domain.Order, error) {
	var out wire.Order
	if err := c.do(ctx, method, path, nil, "", body, &out); err != nil {
		return domain.Order{}, err
	}
	return out.Domain()
}

func (c *Client) list(ctx context.Context, path string, limit int) ([]domain.Order, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out wire.OrderList
	if err := c.do(ctx, http.MethodGet, path, query, "", nil, &out); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(out.Items))
	for _, item := range out.Items {
		order, err := item.Domain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (c *Client) path(segments ...string) string {
	escaped := make([]string, 0, len(segments)+2)
	escaped = append(escaped, "api", "v1")
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(strings.TrimSpace(segment)))
	}
	return c.base.JoinPath(escaped...).String()
}

func (c *Client) do(ctx context.Context, method, target string, query url.Values, idempotencyKey string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("checkout client: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("checkout client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := bearerToken(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", services.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return translateError(httpx.DecodeError(resp))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("checkout client: decode response: %w", err)
	}
	return nil
}

// translateError maps an API envelope back onto the services taxonomy. The envelope stays
// in the chain for callers that need its message or details.
func translateError(e httpx.Error) error {
	switch e.Code {
	case "validation_error":
		fields := stringMap(e.Details["fields"])
		if len(fields) == 0 {
			return fmt.Errorf("%w: %w", services.ErrValidation, e)
		}
		return fmt.Errorf("%w: %w", &services.ValidationError{Fields: fields}, e)
	case "stock_conflict":
		return fmt.Errorf("%w: %w", &services.StockConflictError{Lines: shortfalls(e.Details["lines"])}, e)
	case "transition_denied":
		if e.Status == http.StatusForbidden {
			return fmt.Errorf("%w: %w: %w", services.ErrTransitionDenied, services.ErrForbidden, e)
		}
		return fmt.Errorf("%w: %w", services.ErrTransitionDenied, e)
	case "forbidden":
		return fmt.Errorf("%w: %w", services.ErrForbidden, e)
	case "order_not_found":
		return fmt.Errorf("%w: %w", services.ErrOrderNotFound, e)
	case "verification_failed":
		return fmt.Errorf("%w: %w", services.ErrVerificationFailed, e)
	case "authorization_mismatch":
		orderID, _ := e.Details["order_id"].(string)
		return fmt.Errorf("%w: %w", &services.AuthorizationMismatchError{OrderID: orderID}, e)
	case "gateway_unavailable":
		return fmt.Errorf("%w: %w", services.ErrGatewayUnavailable, e)
	case "conflict":
		return fmt.Errorf("%w: %w", services.ErrConflict, e)
	case "unavailable":
		return fmt.Errorf("%w: %w", services.ErrUnavailable, e)
	case "unauthenticated", "invalid_token", "token_expired":
		return fmt.Errorf("%w: %w", ErrUnauthenticated, e)
	}
	if e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway || e.Status == http.StatusGatewayTimeout {
		return fmt.Errorf("%w: %w", services.ErrUnavailable, e)
	}
	return e
}

func stringMap(raw any) map[string]string {
	values, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func shortfalls(raw any) []services.StockShortfall {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]services.StockShortfall, 0, len(items))
	for _, item := range items {
		line, ok := item.(map[string]any)
		if !ok {
			continue
		}
		productID, _ := line["product_id"].(string)
		requested, _ := line["requested"].(float64)
		available, _ := line["available"].(float64)
		out = append(out, services.StockShortfall{ProductID: productID, Requested: int(requested), Available: int(available)})
	}
	return out
}
