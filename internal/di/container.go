package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/payments"
	"github.com/ledgerpos/api/internal/platform/config"
	pfirestore "github.com/ledgerpos/api/internal/platform/firestore"
	"github.com/ledgerpos/api/internal/platform/idempotency"
	"github.com/ledgerpos/api/internal/platform/jobs"
	"github.com/ledgerpos/api/internal/platform/locks"
	"github.com/ledgerpos/api/internal/platform/observability"
	"github.com/ledgerpos/api/internal/repositories"
	repofirestore "github.com/ledgerpos/api/internal/repositories/firestore"
	"github.com/ledgerpos/api/internal/repositories/memory"
	"github.com/ledgerpos/api/internal/repositories/postgres"
	"github.com/ledgerpos/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentService
	Refunds  services.RefundService
}

// Container wires repositories, services and supporting infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Currency     domain.Currency
	Repositories repositories.Registry
	Services     Services
	Health       repositories.HealthRepository
	Idempotency  idempotency.Store

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	registry repositories.Registry
	gateway  payments.Gateway
	events   services.OrderEventPublisher
	clock    func() time.Time
}

// WithRegistry bypasses the configured store driver. Tests use it with memory.NewStore.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithGateway replaces the Stripe gateway built from configuration.
func WithGateway(gw payments.Gateway) Option {
	return func(o *containerOptions) { o.gateway = gw }
}

func WithEventPublisher(pub services.OrderEventPublisher) Option {
	return func(o *containerOptions) { o.events = pub }
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. On error every resource opened so far is
// released.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (c *Container, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&options)
	}

	cur, err := domain.ParseCurrency(cfg.Ledger.Currency)
	if err != nil {
		return nil, fmt.Errorf("ledger currency: %w", err)
	}

	c = &Container{Config: cfg, Currency: cur}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Close(closeCtx)
			c = nil
		}
	}()

	reg := options.registry
	if reg == nil {
		reg, err = openRegistry(ctx, cfg)
		if err != nil {
			return c, err
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	probes := []repositories.Probe{{Name: "store", Check: registryCheck(reg)}}

	var (
		locker   services.OrderLocker
		idemStor idempotency.Store
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		if err = client.Ping(ctx).Err(); err != nil {
			return c, fmt.Errorf("redis ping %s: %w", addr, err)
		}

		redisLocker, lockErr := locks.NewRedisLocker(locks.RedisLockerConfig{
			Client: client,
			TTL:    cfg.Redis.LockTTL,
			Wait:   cfg.Redis.LockWait,
			Logger: logger.Named("locks"),
		})
		if lockErr != nil {
			return c, fmt.Errorf("build redis locker: %w", lockErr)
		}
		locker = redisLocker

		redisStore, storeErr := idempotency.NewRedisStore(client)
		if storeErr != nil {
			return c, fmt.Errorf("build idempotency store: %w", storeErr)
		}
		idemStor = redisStore
		probes = append(probes, repositories.Probe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	} else {
		locker = locks.NewLocalLocker(cfg.Redis.LockWait)
		idemStor, err = localIdempotencyStore(reg)
		if err != nil {
			return c, fmt.Errorf("build idempotency store: %w", err)
		}
	}
	c.Idempotency = idemStor

	events := options.events
	if events == nil && strings.TrimSpace(cfg.PubSub.Topic) != "" {
		events, err = c.openPublisher(ctx, cfg.PubSub)
		if err != nil {
			return c, err
		}
	}

	gateway := options.gateway
	if gateway == nil && strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		gateway, err = buildGateway(cfg.Stripe, observability.EventLogger(logger.Named("stripe")))
		if err != nil {
			return c, err
		}
	}

	c.Health, err = repositories.NewProbeHealthRepository(probes, options.clock)
	if err != nil {
		return c, err
	}

	c.Services, err = buildServices(reg, serviceDeps{
		currency: cur,
		gateway:  gateway,
		locker:   locker,
		events:   events,
		clock:    options.clock,
		logger:   observability.EventLogger(logger.Named("services")),
	})
	if err != nil {
		return c, err
	}
	return c, nil
}

// Close releases resources in reverse order of acquisition.
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

// localIdempotencyStore keeps replay records next to the ledger when Redis is not configured.
func localIdempotencyStore(reg repositories.Registry) (idempotency.Store, error) {
	if fs, ok := reg.(*repofirestore.Store); ok {
		return idempotency.NewFirestoreStore(fs.Provider())
	}
	return idempotency.NewMemoryStore(), nil
}

func openRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory, "":
		return memory.NewStore(), nil
	case config.StoreDriverPostgres:
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			Migrate:         cfg.Store.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		store, err := repofirestore.NewStore(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("open firestore store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func (c *Container) openPublisher(ctx context.Context, cfg config.PubSubConfig) (services.OrderEventPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	return jobs.NewPubSubOrderPublisher(topic)
}

// buildGateway routes tenants listed in TenantAccounts to their connected account and everyone
// else to the platform account.
func buildGateway(cfg config.StripeConfig, logger payments.StripeLogger) (payments.Gateway, error) {
	fallback, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:    cfg.APIKey,
		AccountID: cfg.AccountID,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe gateway: %w", err)
	}

	tenants := make([]string, 0, len(cfg.TenantAccounts))
	for tenant := range cfg.TenantAccounts {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	var opts []payments.RouterOption
	for _, tenant := range tenants {
		gw, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:    cfg.APIKey,
			AccountID: cfg.TenantAccounts[tenant],
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway for tenant %s: %w", tenant, err)
		}
		opts = append(opts, payments.WithTenantGateway(tenant, gw))
	}
	return payments.NewRouter(fallback, opts...)
}

type serviceDeps struct {
	currency domain.Currency
	gateway  payments.Gateway
	locker   services.OrderLocker
	events   services.OrderEventPublisher
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

func buildServices(reg repositories.Registry, deps serviceDeps) (Services, error) {
	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		TaxRules:  reg.TaxRules(),
		Discounts: reg.Discounts(),
		Currency:  deps.currency,
		Clock:     deps.clock,
		Logger:    deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	machine, err := services.NewOrderStateMachine(reg.Catalog())
	if err != nil {
		return Services{}, fmt.Errorf("build order state machine: %w", err)
	}

	deducter, err := services.NewInventoryDeducter(services.InventoryDeducterDeps{
		Inventory:  reg.Inventory(),
		UnitOfWork: reg,
		Clock:      deps.clock,
		Logger:     deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory deducter: %w", err)
	}

	reconciler, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		StateMachine: machine,
		Inventory:    deducter,
		Events:       deps.events,
		Clock:        deps.clock,
		Logger:       deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation service: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:       reg.Orders(),
		Catalog:      reg.Catalog(),
		Pricing:      pricing,
		StateMachine: machine,
		UnitOfWork:   reg,
		Clock:        deps.clock,
		Events:       deps.events,
		Logger:       deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	meters := otel.GetMeterProvider()

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:        reg.Orders(),
		Payments:      reg.Payments(),
		GiftCards:     reg.GiftCards(),
		Pricing:       pricing,
		StateMachine:  machine,
		Reconciler:    reconciler,
		Gateway:       deps.gateway,
		Locker:        deps.locker,
		UnitOfWork:    reg,
		MeterProvider: meters,
		Clock:         deps.clock,
		Events:        deps.events,
		Logger:        deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}

	refunds, err := services.NewRefundCoordinator(services.RefundCoordinatorDeps{
		Orders:        reg.Orders(),
		Payments:      reg.Payments(),
		Refunds:       reg.Refunds(),
		GiftCards:     reg.GiftCards(),
		Currency:      deps.currency,
		Gateway:       deps.gateway,
		Locker:        deps.locker,
		UnitOfWork:    reg,
		MeterProvider: meters,
		Clock:         deps.clock,
		Events:        deps.events,
		Logger:        deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build refund coordinator: %w", err)
	}

	return Services{Orders: orders, Payments: paymentSvc, Refunds: refunds}, nil
}

// registryCheck folds the store's own report into a single readiness probe.
func registryCheck(reg repositories.Registry) func(context.Context) error {
	return func(ctx context.Context) error {
		health := reg.Health()
		if health == nil {
			return nil
		}
		report, err := health.Collect(ctx)
		if err != nil {
			return err
		}
		if report.Status != domain.HealthStatusError {
			return nil
		}
		names := make([]string, 0, len(report.Checks))
		for name, check := range report.Checks {
			if check.Status == domain.HealthStatusError {
				names = append(names, name+": "+check.Detail)
			}
		}
		sort.Strings(names)
		return fmt.Errorf("store unhealthy: %s", strings.Join(names, "; "))
	}
}
