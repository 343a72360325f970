package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a gateway.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrUnavailable marks transport failures and gateway-side outages. Callers may retry.
	ErrUnavailable = errors.New("payments: gateway unavailable")
	// ErrVerificationFailed marks confirmations that do not prove payment for the order.
	ErrVerificationFailed = errors.New("payments: verification failed")
)

// Logger receives structured gateway events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// TransactionRequest asks a gateway to open a transaction for an unpaid order.
type TransactionRequest struct {
	Receipt        string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// VerifyRequest carries what the order service knows about the order being paid alongside
// the buyer-supplied confirmation.
type VerifyRequest struct {
	OrderID      string
	Amount       decimal.Decimal
	Currency     string
	Confirmation domain.GatewayConfirmation
}

// Gateway is the contract every payment gateway adapter implements.
type Gateway interface {
	CreateTransaction(ctx context.Context, req TransactionRequest) (domain.GatewayTransaction, error)
	Verify(ctx context.Context, req VerifyRequest) (domain.PaymentResult, error)
}

// Manager routes calls to a registered gateway by explicit provider, currency, or default.
type Manager struct {
	gateways        map[string]Gateway
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the gateway used when no routing hint matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normalizeProvider(provider)
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = normalizeProvider(v)
		}
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	registered := make(map[string]Gateway, len(gateways))
	for k, v := range gateways {
		key := normalizeProvider(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", k)
		}
		registered[key] = v
	}
	m := &Manager{gateways: registered}
	if _, ok := registered[string(domain.PaymentMethodGateway)]; ok {
		m.defaultProvider = string(domain.PaymentMethodGateway)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a gateway.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Providers lists the registered provider keys.
func (m *Manager) Providers() []string {
	keys := make([]string, 0, len(m.gateways))
	for key := range m.gateways {
		keys = append(keys, key)
	}
	return keys
}

func (m *Manager) resolve(ctx PaymentContext) (string, Gateway, error) {
	if m == nil || len(m.gateways) == 0 {
		return "", nil, errors.New("payments: no gateways registered")
	}
	if provider := normalizeProvider(ctx.PreferredProvider); provider != "" {
		if g, ok := m.gateways[provider]; ok {
			return provider, g, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if route, ok := m.currencyRoutes[currency]; ok && currency != "" {
		if g, ok := m.gateways[route]; ok {
			return route, g, nil
		}
	}
	if g, ok := m.gateways[m.defaultProvider]; ok {
		return m.defaultProvider, g, nil
	}
	if len(m.gateways) == 1 {
		for key, g := range m.gateways {
			return key, g, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateTransaction delegates to the resolved gateway and stamps the provider key.
func (m *Manager) CreateTransaction(ctx context.Context, paymentCtx PaymentContext, req TransactionRequest) (domain.GatewayTransaction, error) {
	key, gateway, err := m.resolve(paymentCtx)
	if err != nil {
		return domain.GatewayTransaction{}, err
	}
	txn, err := gateway.CreateTransaction(ctx, req)
	if err != nil {
		return domain.GatewayTransaction{}, err
	}
	txn.Provider = key
	return txn, nil
}

// Verify delegates to the resolved gateway. Confirmations naming a provider route to it.
func (m *Manager) Verify(ctx context.Context, paymentCtx PaymentContext, req VerifyRequest) (domain.PaymentResult, error) {
	if paymentCtx.PreferredProvider == "" {
		paymentCtx.PreferredProvider = req.Confirmation.Provider
	}
	key, gateway, err := m.resolve(paymentCtx)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	result, err := gateway.Verify(ctx, req)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	result.Provider = key
	return result, nil
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
