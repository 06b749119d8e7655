// The gateway serves the AMM HTTP surface: idempotent ledger command
// submission, active-contract reads, and the token-registry passthrough.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/clearportx/amm-gateway/internal/amm"
	"github.com/clearportx/amm-gateway/internal/auth"
	"github.com/clearportx/amm-gateway/internal/command"
	"github.com/clearportx/amm-gateway/internal/config"
	"github.com/clearportx/amm-gateway/internal/gateway"
	"github.com/clearportx/amm-gateway/internal/httputil"
	"github.com/clearportx/amm-gateway/internal/ledger"
	"github.com/clearportx/amm-gateway/internal/logging"
	"github.com/clearportx/amm-gateway/internal/metrics"
	"github.com/clearportx/amm-gateway/internal/reconcile"
	"github.com/clearportx/amm-gateway/internal/registry"
	"github.com/clearportx/amm-gateway/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("gateway", logging.Config{}).Error(context.Background(), "Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log := logging.New("gateway", logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "Gateway exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	// Outbound ledger credential. A static token covers local sandboxes
	// with unsafe shared-secret auth; HMAC minting covers everything else.
	var tokens auth.TokenProvider
	if cfg.Auth.StaticToken != "" {
		tokens = auth.StaticTokenProvider(cfg.Auth.StaticToken)
	} else if cfg.Auth.JWTSecret != "" {
		provider, err := auth.NewHMACTokenProvider(cfg.Auth.JWTSecret, cfg.Ledger.OperatorParty, cfg.Auth.Audience, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		tokens = provider
	}

	ledgerClient, err := ledger.NewClient(ledger.Config{
		BaseURL: cfg.Ledger.BaseURL,
		Timeout: cfg.Ledger.Timeout,
		Tokens:  tokens,
		Logger:  log.Named("ledger"),
	})
	if err != nil {
		return err
	}

	hub := ledger.NewCompletionHub(cfg.Ledger.BaseURL, tokens, log.Named("completions"))
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(ctx, "Completion stream terminated", map[string]interface{}{"error": err.Error()})
		}
	}()

	tracker, cleanup, err := buildTracker(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	executor := command.NewExecutor(command.ExecutorConfig{
		Ledger:      ledgerClient,
		Completions: hub,
		Tracker:     tracker,
		Policy: command.RetryPolicy{
			MaxAttempts:       cfg.Submission.MaxAttempts,
			BaseDelay:         cfg.Submission.BaseDelay,
			BackoffMultiplier: cfg.Submission.BackoffMultiplier,
			MaxDelay:          cfg.Submission.MaxDelay,
			Jitter:            cfg.Submission.Jitter,
		},
		AttemptTimeout: cfg.Submission.AttemptTimeout,
		Logger:         log.Named("executor"),
	})

	reconciler, err := reconcile.New(ledgerClient, tracker, reconcile.Config{
		Schedule:    cfg.Reconciler.Schedule,
		GracePeriod: cfg.Reconciler.GracePeriod,
		Party:       cfg.Ledger.OperatorParty,
		TemplateIDs: []string{amm.PoolTemplateID, amm.TokenTemplateID},
	}, log.Named("reconciler"))
	if err != nil {
		return err
	}
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer reconciler.Stop()

	service, err := gateway.New(executor, tracker, reconciler, gateway.Config{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		RatePerParty:   cfg.HTTP.RatePerParty,
		RateBurst:      cfg.HTTP.RateBurst,
		OperatorParty:  cfg.Ledger.OperatorParty,
		TestParty:      cfg.Ledger.TestParty,
	}, log.Named("gateway"))
	if err != nil {
		return err
	}

	var registryProxy *registry.Proxy
	if cfg.Registry.BaseURL != "" {
		registryProxy, err = registry.New(registry.Config{
			BaseURL: cfg.Registry.BaseURL,
			Timeout: cfg.Registry.Timeout,
			Tokens: func(ctx context.Context) (string, error) {
				if tokens == nil {
					return "", nil
				}
				return tokens.Token(ctx)
			},
		}, log.Named("registry"))
		if err != nil {
			return err
		}
	}

	router := mux.NewRouter()
	router.Use(correlationMiddleware)
	router.Use(corsMiddleware(cfg.HTTP.AllowedOrigins))
	router.Use(authMiddleware(cfg.Auth.JWTSecret))
	router.Use(metrics.InstrumentHandler)

	gateway.NewHandler(service, registryProxy).Register(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "Gateway listening", map[string]interface{}{"addr": cfg.HTTP.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildTracker assembles the configured idempotency backend, optionally
// backed by the durable Postgres archive.
func buildTracker(cfg *config.Config, log *logging.Logger) (command.Tracker, func(), error) {
	cleanup := func() {}

	if cfg.Idempotency.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Idempotency.RedisAddr,
			DB:   cfg.Idempotency.RedisDB,
		})
		tracker := command.NewRedisTracker(client, cfg.Idempotency.Retention, log.Named("tracker"))
		return tracker, func() { _ = client.Close() }, nil
	}

	var opts []command.MemoryTrackerOption
	if cfg.Database.Enabled {
		archive, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, command.WithArchive(archive))
		cleanup = func() { _ = archive.Close() }
	}
	tracker := command.NewMemoryTracker(cfg.Idempotency.Retention, log.Named("tracker"), opts...)
	return tracker, cleanup, nil
}
