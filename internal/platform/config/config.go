package config

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const (
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 20 * time.Second
	defaultEnvironment          = "local"
	defaultCurrency             = "USD"
	defaultDBMaxConns           = 10
	defaultPaymentProvider      = "gateway"
	defaultEventsTopic          = "order-events"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config is the runtime configuration of the order API (cmd/api). Keys use the API_ prefix.
type Config struct {
	Environment string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Database    DatabaseConfig
	Pricing     PricingConfig
	Payments    PaymentsConfig
	Events      EventsConfig
	Firestore   FirestoreConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig identifies the Firebase project that issues ID tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// DatabaseConfig points at the Postgres order store. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MigrateOnStart bool
}

// PricingConfig holds the money calculator's parameters and the order currency.
type PricingConfig struct {
	Currency              string
	TaxRate               decimal.Decimal
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// Policy converts the configuration to the calculator policy.
func (p PricingConfig) Policy() domain.PricingPolicy {
	return domain.PricingPolicy{
		Currency:              p.Currency,
		TaxRate:               p.TaxRate,
		ShippingFee:           p.ShippingFee,
		FreeShippingThreshold: p.FreeShippingThreshold,
	}
}

// PaymentsConfig selects and configures payment gateways.
type PaymentsConfig struct {
	DefaultProvider string
	// CurrencyRoutes maps lower-cased ISO currency codes to provider names.
	CurrencyRoutes map[string]string
	Gateway        SignatureGatewayConfig
	Stripe         StripeConfig
}

// SignatureGatewayConfig configures the HMAC-signed card gateway.
type SignatureGatewayConfig struct {
	BaseURL   string
	KeyID     string
	KeySecret string
}

// Enabled reports whether enough is configured to register the gateway.
func (c SignatureGatewayConfig) Enabled() bool {
	return c.BaseURL != "" && c.KeyID != "" && c.KeySecret != ""
}

// StripeConfig configures Stripe PaymentIntents.
type StripeConfig struct {
	APIKey    string
	AccountID string
}

// Enabled reports whether a Stripe key is configured.
func (c StripeConfig) Enabled() bool { return c.APIKey != "" }

// EventsConfig configures the Pub/Sub order event publisher. An empty project disables publishing.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// FirestoreConfig configures the Firestore client used by the idempotency store.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// IdempotencyConfig controls Idempotency-Key handling on order creation.
type IdempotencyConfig struct {
	// Store is "memory" or "firestore".
	Store            string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Load assembles the order API configuration from defaults, dotenv, the OS environment and
// explicit overrides, then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	src, err := newSource(opts)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(src.str("API_ENVIRONMENT", defaultEnvironment)),
		Server:      loadServer(src, "API_"),
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Database: DatabaseConfig{
			URL:            src.str("API_DATABASE_URL", ""),
			MaxConns:       src.integer("API_DATABASE_MAX_CONNS", defaultDBMaxConns),
			MigrateOnStart: src.boolean("API_DATABASE_MIGRATE", true),
		},
		Pricing: loadPricing(src, "API_"),
		Payments: PaymentsConfig{
			DefaultProvider: strings.ToLower(src.str("API_PAYMENTS_DEFAULT_PROVIDER", defaultPaymentProvider)),
			CurrencyRoutes:  src.pairs("API_PAYMENTS_CURRENCY_ROUTES"),
			Gateway: SignatureGatewayConfig{
				BaseURL:   src.str("API_PAYMENTS_GATEWAY_BASE_URL", ""),
				KeyID:     src.str("API_PAYMENTS_GATEWAY_KEY_ID", ""),
				KeySecret: src.str("API_PAYMENTS_GATEWAY_KEY_SECRET", ""),
			},
			Stripe: StripeConfig{
				APIKey:    src.str("API_PAYMENTS_STRIPE_API_KEY", ""),
				AccountID: src.str("API_PAYMENTS_STRIPE_ACCOUNT_ID", ""),
			},
		},
		Events: EventsConfig{
			ProjectID: src.str("API_EVENTS_PROJECT_ID", ""),
			Topic:     src.str("API_EVENTS_TOPIC", defaultEventsTopic),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Idempotency: IdempotencyConfig{
			Store:            strings.ToLower(src.str("API_IDEMPOTENCY_STORE", "memory")),
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}

	if err := src.resolve(ctx, map[string]*string{
		"Database.URL":               &cfg.Database.URL,
		"Payments.Gateway.KeySecret": &cfg.Payments.Gateway.KeySecret,
		"Payments.Stripe.APIKey":     &cfg.Payments.Stripe.APIKey,
	}); err != nil {
		return Config{}, err
	}

	missing := src.invalid
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if !cfg.Payments.Gateway.Enabled() && !cfg.Payments.Stripe.Enabled() {
		missing = append(missing, "Payments.Gateway|Payments.Stripe")
	}
	switch cfg.Idempotency.Store {
	case "memory":
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Idempotency.Store")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Database.MaxConns <= 0 {
		missing = append(missing, "Database.MaxConns")
	}
	if !cfg.Pricing.validCurrency() {
		missing = append(missing, "Pricing.Currency")
	}
	if len(missing) > 0 {
		return Config{}, &ValidationError{fields: missing}
	}
	return cfg, nil
}

func loadServer(src *source, prefix string) ServerConfig {
	return ServerConfig{
		Port:            src.str(prefix+"SERVER_PORT", defaultPort),
		ReadTimeout:     src.duration(prefix+"SERVER_READ_TIMEOUT", defaultReadTimeout),
		WriteTimeout:    src.duration(prefix+"SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		IdleTimeout:     src.duration(prefix+"SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		ShutdownTimeout: src.duration(prefix+"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
	}
}

// validCurrency reports whether the configured code is a recognised ISO 4217 currency.
func (p PricingConfig) validCurrency() bool {
	_, err := currency.ParseISO(p.Currency)
	return err == nil
}

func loadPricing(src *source, prefix string) PricingConfig {
	defaults := domain.DefaultPricingPolicy()
	return PricingConfig{
		Currency:              strings.ToUpper(src.str(prefix+"PRICING_CURRENCY", defaultCurrency)),
		TaxRate:               src.amount(prefix+"PRICING_TAX_RATE", defaults.TaxRate),
		ShippingFee:           src.amount(prefix+"PRICING_SHIPPING_FEE", defaults.ShippingFee),
		FreeShippingThreshold: src.amount(prefix+"PRICING_FREE_SHIPPING_THRESHOLD", defaults.FreeShippingThreshold),
	}
}
