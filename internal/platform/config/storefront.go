package config

import (
	"context"
	"net/url"
	"time"
)

const (
	defaultStorefrontPort = "8081"
	defaultCartTTL        = 7 * 24 * time.Hour
	defaultSessionCookie  = "hf_session"
	defaultAPITimeout     = 10 * time.Second
)

// StorefrontConfig is the runtime configuration of the storefront edge (cmd/storefront).
// Keys use the STOREFRONT_ prefix.
type StorefrontConfig struct {
	Environment   string
	Server        ServerConfig
	API           APIClientConfig
	Redis         RedisConfig
	Pricing       PricingConfig
	SessionCookie string
}

// APIClientConfig points the storefront at the order API.
type APIClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RedisConfig configures the cart store. An empty Addr selects the in-memory store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CartTTL  time.Duration
}

// LoadStorefront assembles the storefront configuration with the same precedence rules as Load.
func LoadStorefront(ctx context.Context, opts ...Option) (StorefrontConfig, error) {
	src, err := newSource(opts)
	if err != nil {
		return StorefrontConfig{}, err
	}

	server := loadServer(src, "STOREFRONT_")
	if _, ok := src.lookup("STOREFRONT_SERVER_PORT"); !ok {
		server.Port = defaultStorefrontPort
	}
	cfg := StorefrontConfig{
		Environment: src.str("STOREFRONT_ENVIRONMENT", defaultEnvironment),
		Server:      server,
		API: APIClientConfig{
			BaseURL: src.str("STOREFRONT_API_BASE_URL", ""),
			Timeout: src.duration("STOREFRONT_API_TIMEOUT", defaultAPITimeout),
		},
		Redis: RedisConfig{
			Addr:     src.str("STOREFRONT_REDIS_ADDR", ""),
			Password: src.str("STOREFRONT_REDIS_PASSWORD", ""),
			DB:       src.integer("STOREFRONT_REDIS_DB", 0),
			CartTTL:  src.duration("STOREFRONT_CART_TTL", defaultCartTTL),
		},
		Pricing:       loadPricing(src, "STOREFRONT_"),
		SessionCookie: src.str("STOREFRONT_SESSION_COOKIE", defaultSessionCookie),
	}

	if err := src.resolve(ctx, map[string]*string{
		"Redis.Password": &cfg.Redis.Password,
	}); err != nil {
		return StorefrontConfig{}, err
	}

	missing := src.invalid
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if u, err := url.Parse(cfg.API.BaseURL); cfg.API.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		missing = append(missing, "API.BaseURL")
	}
	if cfg.Redis.CartTTL <= 0 {
		missing = append(missing, "Redis.CartTTL")
	}
	if !cfg.Pricing.validCurrency() {
		missing = append(missing, "Pricing.Currency")
	}
	if len(missing) > 0 {
		return StorefrontConfig{}, &ValidationError{fields: missing}
	}
	return cfg, nil
}
