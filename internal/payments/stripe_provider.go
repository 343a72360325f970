package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const stripeOrderMetadataKey = "order_id"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    Logger
	Clock     func() time.Time
	Intents   stripePaymentIntentAPI
}

// StripeGateway implements Gateway on Stripe PaymentIntents. The intent id doubles as the
// gateway order id and the order id travels in intent metadata.
type StripeGateway struct {
	intents stripePaymentIntentAPI
	account string
	clock   func() time.Time
	logger  Logger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateTransaction creates a PaymentIntent for the order total.
func (g *StripeGateway) CreateTransaction(ctx context.Context, req TransactionRequest) (domain.GatewayTransaction, error) {
	amount, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return domain.GatewayTransaction{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(stripeOrderMetadataKey, req.Receipt)

	intent, err := g.intents.New(params)
	if err != nil {
		return domain.GatewayTransaction{}, stripeError("create payment intent", err)
	}

	echoed, err := fromMinorUnits(intent.Amount, string(intent.Currency))
	if err != nil {
		return domain.GatewayTransaction{}, fmt.Errorf("stripe: %w", err)
	}

	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.Receipt,
		"amount":        intent.Amount,
	})

	return domain.GatewayTransaction{
		GatewayOrderID: intent.ID,
		Amount:         echoed,
		Currency:       strings.ToUpper(string(intent.Currency)),
		ReceiptRef:     intent.Metadata[stripeOrderMetadataKey],
		ClientSecret:   intent.ClientSecret,
	}, nil
}

// Verify retrieves the PaymentIntent and requires it to have succeeded for this order,
// amount and currency.
func (g *StripeGateway) Verify(ctx context.Context, req VerifyRequest) (domain.PaymentResult, error) {
	intentID := strings.TrimSpace(req.Confirmation.GatewayOrderID)
	paymentID := strings.TrimSpace(req.Confirmation.PaymentID)
	if intentID == "" {
		return domain.PaymentResult{}, fmt.Errorf("%w: missing payment intent", ErrVerificationFailed)
	}
	if paymentID == "" {
		paymentID = intentID
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.AddExpand("latest_charge")

	intent, err := g.intents.Get(intentID, params)
	if err != nil {
		err = stripeError("retrieve payment intent", err)
		if errors.Is(err, ErrUnavailable) {
			return domain.PaymentResult{}, err
		}
		return domain.PaymentResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return domain.PaymentResult{}, fmt.Errorf("%w: payment intent status %s", ErrVerificationFailed, intent.Status)
	}
	if intent.Metadata[stripeOrderMetadataKey] != req.OrderID {
		return domain.PaymentResult{}, fmt.Errorf("%w: payment intent belongs to another order", ErrVerificationFailed)
	}
	want, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	if intent.Amount != want || !strings.EqualFold(string(intent.Currency), req.Currency) {
		return domain.PaymentResult{}, fmt.Errorf("%w: payment intent amount %d %s does not match order", ErrVerificationFailed, intent.Amount, intent.Currency)
	}
	if paymentID != intent.ID && (intent.LatestCharge == nil || intent.LatestCharge.ID != paymentID) {
		return domain.PaymentResult{}, fmt.Errorf("%w: payment %s not attached to intent", ErrVerificationFailed, paymentID)
	}

	g.logger(ctx, "payments.stripe.intent.verified", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
	})

	return domain.PaymentResult{
		GatewayOrderID: intent.ID,
		PaymentID:      paymentID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		VerifiedAt:     g.clock(),
	}, nil
}

// stripeError separates outages from rejected requests.
func stripeError(action string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%w: stripe: %s: %v", ErrUnavailable, action, err)
		}
		return fmt.Errorf("stripe: %s: %w", action, err)
	}
	return fmt.Errorf("%w: stripe: %s: %v", ErrUnavailable, action, err)
}
