// Package di assembles the order API's repositories, gateways and services from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/events"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/repositories/postgres"
	"github.com/hanko-field/checkout/internal/services"
)

// Container holds the runtime dependencies of the order API.
type Container struct {
	Config      config.Config
	Registry    repositories.Registry
	Gateways    *payments.Manager
	Orders      services.OrderService
	Payments    services.PaymentService
	Idempotency idempotency.Store

	closers []func(context.Context) error
}

// Option overrides a dependency NewContainer would otherwise build from configuration.
type Option func(*options)

type options struct {
	registry    repositories.Registry
	gateways    map[string]payments.Gateway
	publisher   services.OrderEventPublisher
	idempotency idempotency.Store
	logger      *zap.Logger
	clock       func() time.Time
}

// WithRegistry supplies the repository registry.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithGateways supplies the payment gateways keyed by provider name.
func WithGateways(gateways map[string]payments.Gateway) Option {
	return func(o *options) { o.gateways = gateways }
}

// WithPublisher supplies the order event publisher.
func WithPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *options) { o.publisher = publisher }
}

// WithIdempotencyStore supplies the idempotency record store.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *options) { o.idempotency = store }
}

// WithLogger sets the base logger. Components log under named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the service clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. On error every resource opened so far
// is released.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	var extraChecks []repositories.DependencyCheck

	c.Idempotency = o.idempotency
	if c.Idempotency == nil {
		store, check, err := c.openIdempotencyStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.Idempotency = store
		if check != nil {
			extraChecks = append(extraChecks, *check)
		}
	}

	c.Registry = o.registry
	if c.Registry == nil {
		reg, err := c.openRegistry(ctx, cfg, o.logger, extraChecks)
		if err != nil {
			return nil, err
		}
		c.Registry = reg
	}

	gateways := o.gateways
	if gateways == nil {
		gateways, err = buildGateways(cfg.Payments, o.logger.Named("payments"))
		if err != nil {
			return nil, err
		}
	}
	c.Gateways, err = payments.NewManager(gateways,
		payments.WithDefaultProvider(cfg.Payments.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes),
	)
	if err != nil {
		return nil, fmt.Errorf("payments manager: %w", err)
	}

	var publisher services.OrderEventPublisher
	if o.publisher != nil {
		publisher = o.publisher
	} else if cfg.Events.ProjectID != "" {
		pub, err := c.openPublisher(ctx, cfg.Events)
		if err != nil {
			return nil, err
		}
		publisher = pub
	} else {
		o.logger.Info("order events disabled: no pubsub project configured")
	}

	c.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:     c.Registry.Orders(),
		Products:   c.Registry.Products(),
		UnitOfWork: c.Registry,
		Pricing:    cfg.Pricing.Policy(),
		Currency:   cfg.Pricing.Currency,
		Clock:      o.clock,
		Events:     publisher,
		Logger:     observability.EventLogger(o.logger.Named("orders")),
	})
	if err != nil {
		return nil, fmt.Errorf("order service: %w", err)
	}
	c.Payments, err = services.NewPaymentService(services.PaymentServiceDeps{
		Orders:     c.Registry.Orders(),
		UnitOfWork: c.Registry,
		Gateway:    c.Gateways,
		Clock:      o.clock,
		Events:     publisher,
		Logger:     observability.EventLogger(o.logger.Named("payments")),
	})
	if err != nil {
		return nil, fmt.Errorf("payment service: %w", err)
	}
	return c, nil
}

// Health returns the readiness check of the configured store.
func (c *Container) Health() repositories.HealthRepository {
	if c == nil || c.Registry == nil {
		return nil
	}
	return c.Registry.Health()
}

// Close releases everything the container opened, newest first.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) openRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger, extra []repositories.DependencyCheck) (repositories.Registry, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured; orders are kept in memory")
		return memory.NewRegistry(), nil
	}
	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	reg, err := postgres.NewRegistry(pool, extra...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	c.onClose(reg.Close)
	return reg, nil
}

func (c *Container) openIdempotencyStore(ctx context.Context, cfg config.Config) (idempotency.Store, *repositories.DependencyCheck, error) {
	if cfg.Idempotency.Store != "firestore" {
		return idempotency.NewMemoryStore(), nil, nil
	}
	client, err := pfirestore.NewClient(ctx, cfg.Firestore)
	if err != nil {
		return nil, nil, err
	}
	c.onClose(func(context.Context) error { return client.Close() })
	return idempotency.NewFirestoreStore(client, ""), &repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check:   pfirestore.Check(client),
	}, nil
}

func (c *Container) openPublisher(ctx context.Context, cfg config.EventsConfig) (*events.PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	c.onClose(func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	return events.NewPubSubPublisher(topic)
}

func buildGateways(cfg config.PaymentsConfig, logger *zap.Logger) (map[string]payments.Gateway, error) {
	gateways := make(map[string]payments.Gateway, 2)
	if cfg.Gateway.Enabled() {
		gw, err := payments.NewSignatureGateway(payments.SignatureGatewayConfig{
			BaseURL:   cfg.Gateway.BaseURL,
			KeyID:     cfg.Gateway.KeyID,
			KeySecret: cfg.Gateway.KeySecret,
			Logger:    observability.EventLogger(logger.Named("gateway")),
		})
		if err != nil {
			return nil, err
		}
		gateways["gateway"] = gw
	}
	if cfg.Stripe.Enabled() {
		gw, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:    cfg.Stripe.APIKey,
			AccountID: cfg.Stripe.AccountID,
			Logger:    observability.EventLogger(logger.Named("stripe")),
		})
		if err != nil {
			return nil, err
		}
		gateways["stripe"] = gw
	}
	if len(gateways) == 0 {
		return nil, errors.New("payments: no gateway configured")
	}
	return gateways, nil
}
