// Package main is the entry point for the commerce hub API server.
//
// It loads configuration, opens the database pool and the optional Redis
// client, builds the partner clients and domain services, attaches the
// handlers to the core chassis and serves HTTP until SIGINT or SIGTERM.
//
// With APP_ENV=local, partner clients whose credentials are absent are
// replaced by logging stubs. Inbound signature verification is never
// stubbed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/redis/go-redis/v9"

	"commercehub/internal/api/handlers"
	"commercehub/internal/auth"
	"commercehub/internal/billing"
	"commercehub/internal/config"
	"commercehub/internal/core"
	"commercehub/internal/db"
	"commercehub/internal/external"
	"commercehub/internal/security"
	"commercehub/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("commerce hub API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
		ConnectTimeout:    cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.IsLocal() {
		if err := db.ApplySchema(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	var (
		states      auth.StateStore
		redisClient *redis.Client
	)
	if !cfg.Redis.URL.IsEmpty() {
		opts, err := redis.ParseURL(cfg.Redis.URL.Unmask())
		if err != nil {
			pool.Close()
			return fmt.Errorf("parsing redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		states = auth.NewRedisStateStore(redisClient, cfg.Redis.KeyPrefix)
		logger.Info("oauth state store: redis")
	} else {
		states = auth.NewMemoryStateStore()
		logger.Info("oauth state store: in-memory")
	}

	srv, err := buildServer(cfg, logger, dependencies{
		DB:      pool,
		States:  states,
		Metrics: newMetricsCollector(ctx, cfg, logger),
	})
	if err != nil {
		pool.Close()
		return err
	}

	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "database", Fn: pool.Ping})
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})
	if redisClient != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
			ProbeName: "redis",
			Fn:        func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
		srv.OnShutdown(func(context.Context) error { return redisClient.Close() })
	}
	if closer, ok := states.(interface{ Close() }); ok {
		srv.OnShutdown(func(context.Context) error {
			closer.Close()
			return nil
		})
	}

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// secretProvider returns the SSM provider outside local mode. The region is
// read straight from the environment because configuration is not loaded yet.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
}

// dependencies are the process-level resources buildServer wires into the
// domain. Metrics may be nil.
type dependencies struct {
	DB      db.DBTX
	States  auth.StateStore
	Metrics core.MetricsCollector
}

// buildServer wires repositories, partner clients, domain services and
// handlers onto a new core.Server. Routes are not mounted yet so the caller
// can add probes and shutdown hooks first.
func buildServer(cfg *config.Config, logger *slog.Logger, deps dependencies) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	if deps.Metrics != nil {
		srv.Metrics = deps.Metrics
	}
	database := deps.DB

	sealer, err := security.NewTokenSealer(cfg.OAuth.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("creating token sealer: %w", err)
	}

	payments := db.NewPaymentRepository(database)
	accounts := db.NewAccountRepository(database)
	integrations := db.NewIntegrationRepository(database, sealer)
	ecosystemLogs := db.NewEcosystemLogRepository(database)

	ecosystem, err := newEcosystemClient(cfg, ecosystemLogs, logger)
	if err != nil {
		return nil, err
	}

	reconciler := billing.NewReconciler(payments, ecosystem, billing.ReconcilerConfig{
		Providers:   newCheckoutProviders(cfg, logger),
		Plans:       billing.NewStaticPlanCatalog(),
		SuccessURL:  cfg.Billing.CheckoutSuccessURL,
		CancelURL:   cfg.Billing.CheckoutCancelURL,
		SyncWorkers: cfg.Ecosystem.SyncWorkers,
		Logger:      logger,
	})
	entitlements := billing.NewEntitlementManager(accounts, nil, logger)

	graph := external.NewGraphProvider(&http.Client{Timeout: cfg.OAuth.HTTPTimeout}, external.GraphProviderConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL(),
		Logger:       logger,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		APIURL:       cfg.OAuth.GraphURL,
	})
	connections := auth.NewConnectionManager(graph, deps.States, integrations, auth.ConnectionConfig{
		StateTTL: cfg.OAuth.StateTTL,
		Logger:   logger,
	})

	metrics := srv.Metrics

	stripeWebhooks := handlers.NewStripeWebhookHandler(external.StripeVerifier{},
		cfg.Billing.StripeWebhookSecret, reconciler, entitlements, metrics, logger)
	chargeWebhooks := handlers.NewChargeWebhookHandler(external.HMACVerifier{},
		cfg.Billing.ChargeWebhookSecret, reconciler, metrics, logger)
	ecosystemWebhooks := handlers.NewEcosystemWebhookHandler(ecosystem, metrics, logger)
	srv.WebhookRegistrars = append(srv.WebhookRegistrars,
		stripeWebhooks.RegisterRoutes,
		chargeWebhooks.RegisterRoutes,
		ecosystemWebhooks.RegisterRoutes,
	)

	integrationHandler := handlers.NewIntegrationHandler(connections, cfg.Server.DashboardURL, srv.AdminKeyMiddleware, logger)
	billingHandler := handlers.NewBillingHandler(reconciler, entitlements, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		integrationHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
	)

	adminHandler := handlers.NewAdminHandler(reconciler, ecosystemLogs, srv.Validator, logger)
	srv.AdminRegistrars = append(srv.AdminRegistrars, adminHandler.RegisterRoutes)

	return srv, nil
}

// newEcosystemClient returns the real hub client, or the logging stub when
// running locally without a hub URL. Both audit inbound events to audit.
func newEcosystemClient(cfg *config.Config, audit external.EcosystemAuditLog, logger *slog.Logger) (external.EcosystemClient, error) {
	if cfg.IsLocal() && cfg.Ecosystem.BaseURL == "" {
		logger.Warn("ECOSYSTEM_BASE_URL not set; using stub ecosystem client")
		return external.NewStubEcosystemClient(cfg.Ecosystem.WebhookSecret, audit, logger)
	}
	client, err := external.NewEcosystemTrustClient(&http.Client{Timeout: cfg.Ecosystem.HTTPTimeout}, audit,
		external.EcosystemClientConfig{
			BaseURL:       cfg.Ecosystem.BaseURL,
			APIKey:        cfg.Ecosystem.APIKey,
			APISecret:     cfg.Ecosystem.APISecret,
			WebhookSecret: cfg.Ecosystem.WebhookSecret,
			Logger:        logger,
		})
	if err != nil {
		return nil, fmt.Errorf("creating ecosystem client: %w", err)
	}
	return client, nil
}

// newCheckoutProviders builds one provider per rail. The crypto rail is
// only offered when its API key is configured, or as a stub locally.
func newCheckoutProviders(cfg *config.Config, logger *slog.Logger) map[types.PaymentMethod]external.CheckoutProvider {
	httpClient := &http.Client{Timeout: cfg.Billing.HTTPTimeout}
	providers := map[types.PaymentMethod]external.CheckoutProvider{
		types.PaymentMethodCard: external.NewStripeClient(httpClient, external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			BaseURL:   cfg.Billing.StripeAPIURL,
			Logger:    logger,
		}),
	}

	switch {
	case !cfg.Billing.ChargeAPIKey.IsEmpty():
		providers[types.PaymentMethodCrypto] = external.NewChargeClient(httpClient, external.ChargeClientConfig{
			APIKey:  cfg.Billing.ChargeAPIKey,
			BaseURL: cfg.Billing.ChargeAPIURL,
			Logger:  logger,
		})
	case cfg.IsLocal():
		logger.Warn("CHARGE_API_KEY not set; using stub crypto checkout")
		providers[types.PaymentMethodCrypto] = external.NewStubCheckoutProvider("charge", logger)
	default:
		logger.Warn("CHARGE_API_KEY not set; crypto checkout disabled")
	}
	return providers
}

// newMetricsCollector publishes to CloudWatch outside local mode when
// metrics are enabled.
func newMetricsCollector(ctx context.Context, cfg *config.Config, logger *slog.Logger) core.MetricsCollector {
	if cfg.IsLocal() || !cfg.Observability.EnableMetrics {
		return core.NoopMetrics{}
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Error("loading AWS config for metrics; falling back to no-op", "error", err)
		return core.NoopMetrics{}
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})
	return core.NewCloudWatchMetrics(client, cfg.Observability.MetricNamespace, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Pools and clients close after in-flight requests drain.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
