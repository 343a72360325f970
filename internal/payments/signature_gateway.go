package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// SignatureGatewayConfig configures the HMAC-signed card gateway adapter.
type SignatureGatewayConfig struct {
	BaseURL    string
	KeyID      string
	KeySecret  string
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     Logger
}

// SignatureGateway talks to a gateway that creates orders over a basic-auth JSON API and
// signs buyer callbacks with HMAC-SHA256 over "gatewayOrderId|paymentId".
type SignatureGateway struct {
	baseURL   *url.URL
	keyID     string
	keySecret []byte
	http      *http.Client
	clock     func() time.Time
	logger    Logger
}

type gatewayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type gatewayOrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// NewSignatureGateway validates configuration and returns the adapter.
func NewSignatureGateway(cfg SignatureGatewayConfig) (*SignatureGateway, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("signature gateway: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("signature gateway: parse base url: %w", err)
	}
	if strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.KeySecret) == "" {
		return nil, errors.New("signature gateway: key id and key secret are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &SignatureGateway{
		baseURL:   parsed,
		keyID:     strings.TrimSpace(cfg.KeyID),
		keySecret: []byte(strings.TrimSpace(cfg.KeySecret)),
		http:      httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateTransaction opens a gateway order for the receipt and amount.
func (g *SignatureGateway) CreateTransaction(ctx context.Context, req TransactionRequest) (domain.GatewayTransaction, error) {
	amount, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return domain.GatewayTransaction{}, err
	}
	body, err := json.Marshal(gatewayOrderRequest{
		Amount:   amount,
		Currency: strings.ToUpper(req.Currency),
		Receipt:  req.Receipt,
		Notes:    req.Metadata,
	})
	if err != nil {
		return domain.GatewayTransaction{}, fmt.Errorf("signature gateway: encode request: %w", err)
	}

	var resp gatewayOrderResponse
	if err := g.do(ctx, http.MethodPost, []string{"v1", "orders"}, req.IdempotencyKey, body, &resp); err != nil {
		return domain.GatewayTransaction{}, err
	}

	echoed, err := fromMinorUnits(resp.Amount, resp.Currency)
	if err != nil {
		return domain.GatewayTransaction{}, fmt.Errorf("signature gateway: %w", err)
	}

	g.logger(ctx, "payments.gateway.order.created", map[string]any{
		"gatewayOrderId": resp.ID,
		"receipt":        resp.Receipt,
		"amount":         resp.Amount,
		"currency":       resp.Currency,
	})

	return domain.GatewayTransaction{
		GatewayOrderID: resp.ID,
		Amount:         echoed,
		Currency:       strings.ToUpper(resp.Currency),
		ReceiptRef:     resp.Receipt,
	}, nil
}

// Verify checks the callback signature and that the signed gateway order was opened for
// this order with the same amount.
func (g *SignatureGateway) Verify(ctx context.Context, req VerifyRequest) (domain.PaymentResult, error) {
	conf := req.Confirmation
	gatewayOrderID := strings.TrimSpace(conf.GatewayOrderID)
	paymentID := strings.TrimSpace(conf.PaymentID)
	if gatewayOrderID == "" || paymentID == "" || strings.TrimSpace(conf.Signature) == "" {
		return domain.PaymentResult{}, fmt.Errorf("%w: incomplete confirmation", ErrVerificationFailed)
	}

	expected := g.Sign(gatewayOrderID, paymentID)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(conf.Signature)))) {
		return domain.PaymentResult{}, fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}

	var remote gatewayOrderResponse
	if err := g.do(ctx, http.MethodGet, []string{"v1", "orders", gatewayOrderID}, "", nil, &remote); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return domain.PaymentResult{}, err
		}
		return domain.PaymentResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if remote.Receipt != req.OrderID {
		return domain.PaymentResult{}, fmt.Errorf("%w: gateway order %s belongs to receipt %q", ErrVerificationFailed, gatewayOrderID, remote.Receipt)
	}
	want, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	if remote.Amount != want || !strings.EqualFold(remote.Currency, req.Currency) {
		return domain.PaymentResult{}, fmt.Errorf("%w: gateway amount %d %s does not match order", ErrVerificationFailed, remote.Amount, remote.Currency)
	}

	return domain.PaymentResult{
		GatewayOrderID: gatewayOrderID,
		PaymentID:      paymentID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		VerifiedAt:     g.clock(),
	}, nil
}

// Sign computes the hex-encoded callback signature for the pair.
func (g *SignatureGateway) Sign(gatewayOrderID, paymentID string) string {
	mac := hmac.New(sha256.New, g.keySecret)
	mac.Write([]byte(gatewayOrderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *SignatureGateway) do(ctx context.Context, method string, path []string, idempotencyKey string, body []byte, out any) error {
	endpoint := g.baseURL.JoinPath(path...)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("signature gateway: build request: %w", err)
	}
	req.SetBasicAuth(g.keyID, string(g.keySecret))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("signature gateway: %s %s: status %d: %s", method, endpoint.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("signature gateway: decode response: %w", err)
	}
	return nil
}
