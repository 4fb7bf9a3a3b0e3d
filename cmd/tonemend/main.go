package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	redis "github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tonemend/tonemend/pkg/api"
	"github.com/tonemend/tonemend/pkg/billing"
	"github.com/tonemend/tonemend/pkg/captcha"
	"github.com/tonemend/tonemend/pkg/config"
	"github.com/tonemend/tonemend/pkg/entitlement"
	"github.com/tonemend/tonemend/pkg/identity"
	"github.com/tonemend/tonemend/pkg/observability"
	"github.com/tonemend/tonemend/pkg/quota"
	"github.com/tonemend/tonemend/pkg/rewrite"
	"github.com/tonemend/tonemend/pkg/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tonemend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting tonemend entitlement service")

	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := entitlement.InitSchema(ctx, db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("Database connection established")

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Dedup degrades gracefully; the reconciler is idempotent.
			logger.WithError(err).Warn("Redis unreachable, webhook dedup disabled")
			redisClient = nil
		} else {
			defer redisClient.Close()
			logger.Info("Redis connection established")
		}
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	workerLog := logrus.New()
	workerLog.SetFormatter(&logrus.JSONFormatter{})

	repo := entitlement.NewPostgresRepository(db, cfg.Quota.DailyCapacity)
	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return fmt.Errorf("invalid quota timezone: %w", err)
	}
	enforcer := quota.NewEnforcer(repo, loc)
	usageLog := usage.NewLog(db)

	billingClient := billing.NewClient(billing.ClientConfig{
		APIBaseURL: cfg.Billing.APIBaseURL,
		APIKey:     cfg.Billing.APIKey,
		SiteURL:    cfg.Billing.SiteURL,
		Prices:     cfg.Billing.Prices,
	})
	verifier := billing.NewVerifier(cfg.Billing.WebhookSecret, billing.DefaultTolerance)
	deduper := billing.NewDeduper(redisClient, billing.DedupTTL)
	reconciler := entitlement.NewReconciler(repo, cfg.Billing.Prices, workerLog)

	identityClient := identity.NewClient(identity.Config{
		BaseURL:    cfg.Identity.BaseURL,
		AnonKey:    cfg.Identity.AnonKey,
		ServiceKey: cfg.Identity.ServiceKey,
		Timeout:    cfg.Identity.Timeout,
	})
	captchaVerifier := captcha.NewVerifier(captcha.Config{
		VerifyURL:    cfg.Captcha.VerifyURL,
		Secret:       cfg.Captcha.Secret,
		BypassEmails: cfg.Captcha.BypassEmails,
	})
	generator := rewrite.NewClient(rewrite.Config{
		BaseURL: cfg.Rewrite.BaseURL,
		APIKey:  cfg.Rewrite.APIKey,
		Model:   cfg.Rewrite.Model,
		Timeout: cfg.Rewrite.Timeout,
	})

	server := api.NewServer(api.Dependencies{
		Repo:       repo,
		Enforcer:   enforcer,
		Generator:  generator,
		Usage:      usageLog,
		Billing:    billingClient,
		Verifier:   verifier,
		Deduper:    deduper,
		Reconciler: reconciler,
		Identity:   identityClient,
		Accounts:   identityClient,
		Captcha:    captchaVerifier,
		Logger:     logger,
		Metrics:    metrics,
	})

	var handler http.Handler = server.Router()
	if providers != nil {
		handler = otelhttp.NewHandler(handler, "tonemend-api")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthChecker := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthChecker.Liveness)
	healthMux.HandleFunc("/readyz", healthChecker.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	// Sample DB pool stats for the metrics endpoint.
	go func() {
		for range time.Tick(15 * time.Second) {
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		}
	}()

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	if providers != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown()
	})

	return g.Wait()
}
