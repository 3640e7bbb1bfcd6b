package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerpos/api/internal/di"
	"github.com/ledgerpos/api/internal/handlers"
	"github.com/ledgerpos/api/internal/platform/config"
	"github.com/ledgerpos/api/internal/platform/idempotency"
	"github.com/ledgerpos/api/internal/platform/observability"
	"github.com/ledgerpos/api/internal/platform/secrets"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerpos api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	level := envValues["LOG_LEVEL"]
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	baseLogger, err := observability.NewLogger(level)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	container, err := di.NewContainer(ctx, cfg, baseLogger)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	idempotencyMiddleware := idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(baseLogger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupLogger := baseLogger.Named("idempotency")
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			idempotency.RunCleanup(cleanupCtx, container.Idempotency, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, func(err error) {
				cleanupLogger.Warn("idempotency cleanup failed", zap.Error(err))
			})
		}()
	}

	orderHandlers := handlers.NewOrderHandlers(handlers.OrderHandlersDeps{
		Orders:      container.Services.Orders,
		Payments:    container.Services.Payments,
		Refunds:     container.Services.Refunds,
		Currency:    container.Currency,
		Idempotency: idempotencyMiddleware,
	})
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthRepository(container.Health),
		handlers.WithHealthVersion(version),
	)

	httpLogger := baseLogger.Named("http")
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverLogger := httpLogger.With(zap.String("addr", server.Addr), zap.String("store", cfg.Store.Driver))
	serveErr := make(chan error, 1)
	go func() {
		serverLogger.Info("ledgerpos api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		cleanupCancel()
		cleanupWG.Wait()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("POS_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("POS_FIRESTORE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if path := lookup("POS_SECRETS_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the selected backends cannot start without.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.EqualFold(strings.TrimSpace(env["POS_STORE_DRIVER"]), config.StoreDriverPostgres) {
		required = append(required, "Postgres.DSN")
	}
	if strings.TrimSpace(env["POS_STRIPE_API_KEY"]) != "" {
		required = append(required, "Stripe.APIKey")
	}
	return required
}
