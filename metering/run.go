// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"conduit/platform/common/usage"
	"conduit/platform/config"
	"conduit/platform/metering/cost"
	"conduit/platform/metering/generation"
	"conduit/platform/metering/ledger"
	"conduit/platform/metering/llm"
	"conduit/platform/metering/llm/bedrock"
	"conduit/platform/metering/llm/openai"
	"conduit/platform/metering/payments"
	"conduit/platform/metering/ratelimit"
	"conduit/platform/metering/tokens"
	"conduit/platform/shared/logger"
)

const retryBackoff = 500 * time.Millisecond

// Run loads configuration, builds the service, and serves until SIGINT or
// SIGTERM, then drains in-flight requests.
func Run() error {
	log := logger.New("metering")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := Build(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, log)
	if err != nil {
		return err
	}
	defer app.Close()

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	}).Handler(app.Server.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.LLM.Timeout*time.Duration(cfg.LLM.MaxRetries+1) + 30*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("", "", "metering service listening", map[string]interface{}{
			"port":     cfg.Server.Port,
			"provider": cfg.LLM.Provider,
			"model":    cfg.LLM.Model,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("", "", "shutting down", nil)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// App is a fully wired service.
type App struct {
	Server  *Server
	closers []func() error
}

// Close releases database and cache connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// Build wires every component from cfg. Metrics are registered with reg
// and exposed from gatherer.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer, log *logger.Logger) (*App, error) {
	app := &App{}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	est, err := tokens.New(cfg.LLM.Encoding)
	if err != nil {
		return fail(fmt.Errorf("failed to load tokenizer: %w", err))
	}
	prices, err := priceTable(cfg)
	if err != nil {
		return fail(err)
	}
	model, err := cost.NewModel(prices, est)
	if err != nil {
		return fail(fmt.Errorf("invalid pricing: %w", err))
	}

	var repo ledger.Repository
	var recorder generation.UsageRecorder = usage.NopRecorder{}
	if cfg.Database.URL != "" {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, db.Close)
		repo = ledger.NewPostgresRepository(db)
		recorder = usage.NewRecorder(db)
	} else {
		log.Warn("", "", "DATABASE_URL not set, using in-memory ledger", nil)
		repo = ledger.NewMemoryRepository()
	}
	credits := ledger.New(repo, log.Named("ledger"))

	provider, err := newProvider(ctx, cfg.LLM)
	if err != nil {
		return fail(err)
	}

	gateway, err := generation.NewGateway(model, credits, llm.WithRetry(provider, cfg.LLM.MaxRetries, retryBackoff),
		generation.Options{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			CallTimeout: cfg.LLM.Timeout,
		},
		generation.WithUsageRecorder(recorder),
		generation.WithMetrics(generation.NewMetrics(reg)),
		generation.WithLogger(log.Named("generation")),
	)
	if err != nil {
		return fail(err)
	}

	checkout, err := payments.NewRESTClient(payments.RESTConfig{
		SecretKey: cfg.Payments.SecretKey,
		BaseURL:   cfg.Payments.BaseURL,
	})
	if err != nil {
		return fail(err)
	}
	paymentsLog := log.Named("payments")

	limiter, closeLimiter := newLimiter(ctx, cfg, log)
	if closeLimiter != nil {
		app.closers = append(app.closers, closeLimiter)
	}

	server, err := NewServer(Dependencies{
		Generator: gateway,
		Accounts:  credits,
		TopUps: payments.NewTopUp(checkout, payments.TopUpConfig{
			PriceID:    cfg.Payments.PriceID,
			SuccessURL: cfg.Payments.SuccessURL,
			CancelURL:  cfg.Payments.CancelURL,
		}, paymentsLog),
		Statuses:  payments.NewStatusChecker(checkout),
		Webhooks:  payments.NewWebhookProcessor(checkout, credits, cfg.Payments.WebhookSecret, cfg.Payments.WebhookTolerance, paymentsLog),
		Limiter:   limiter,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Gatherer:  gatherer,
		Logger:    log,
	})
	if err != nil {
		return fail(err)
	}
	app.Server = server
	return app, nil
}

// priceTable uses the configured prices unless a pricing catalog is given,
// in which case the configured model must be listed in it.
func priceTable(cfg config.Config) (cost.PriceTable, error) {
	var tables cost.PriceTables
	var err error
	switch {
	case cfg.Pricing.File != "":
		tables, err = cost.LoadPriceTablesFromFile(cfg.Pricing.File)
	case cfg.Pricing.Catalog != "":
		tables, err = cost.ParsePriceTables([]byte(cfg.Pricing.Catalog))
	default:
		return cost.PriceTable{
			Model:            cfg.LLM.Model,
			InputPerMillion:  cfg.Pricing.InputPerMillion,
			OutputPerMillion: cfg.Pricing.OutputPerMillion,
			TotalTokenBudget: cfg.Pricing.TotalTokenBudget,
		}, nil
	}
	if err != nil {
		return cost.PriceTable{}, err
	}
	return tables.Lookup(cfg.LLM.Model)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newProvider(ctx context.Context, cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.NewProvider(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case config.ProviderBedrock:
		return bedrock.NewProvider(ctx, bedrock.Config{
			Region: cfg.Region,
			Model:  cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}

// newLimiter prefers the shared Redis window and falls back to a local
// one when Redis is not configured or unreachable.
func newLimiter(ctx context.Context, cfg config.Config, log *logger.Logger) (ratelimit.Limiter, func() error) {
	if cfg.Redis.URL != "" {
		client, err := ratelimit.Connect(ctx, cfg.Redis.URL)
		if err == nil {
			return ratelimit.NewRedisLimiter(client, cfg.RateLimit.PerMinute, time.Minute, log.Named("ratelimit")), client.Close
		}
		log.WarnWithCode("", "", "redis unavailable, using in-memory rate limiting", "REDIS_UNAVAILABLE", err, nil)
	}
	return ratelimit.NewMemoryLimiter(cfg.RateLimit.PerMinute, time.Minute), nil
}
