package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"nvcstack.local/facilitator/internal/auth"
	"nvcstack.local/facilitator/internal/config"
	"nvcstack.local/facilitator/internal/dispatch"
	"nvcstack.local/facilitator/internal/facilitation"
	"nvcstack.local/facilitator/internal/httpapi"
	"nvcstack.local/facilitator/internal/model"
	"nvcstack.local/facilitator/internal/orchestrator"
	"nvcstack.local/facilitator/internal/ratelimit"
	"nvcstack.local/facilitator/internal/realtime"
	"nvcstack.local/facilitator/internal/reconcile"
	"nvcstack.local/facilitator/internal/session"
	"nvcstack.local/facilitator/internal/subscribers"
	logsub "nvcstack.local/facilitator/internal/subscribers/logging"
	"nvcstack.local/facilitator/internal/subscribers/webhook"
	"nvcstack.local/facilitator/internal/telemetry"
)

const tracerName = "nvcstack.local/facilitator"

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.OTLPInsecure,
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	store, err := session.NewGormStore(logger, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("initialize session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()

	dispatcher := dispatch.New(logger, analyticsSubscribers(cfg.Analytics, logger),
		dispatch.WithRetry(cfg.Analytics.RetryCount, cfg.Analytics.RetryBackoff))
	defer dispatcher.Wait()

	registry := providerRegistry(cfg, logger)

	machine := session.NewMachine(logger, store, nil,
		session.WithClarifyThreshold(cfg.Facilitation.ClarifyThreshold),
		session.WithMaxInputLength(cfg.Facilitation.MaxInputLength))

	orch := orchestrator.New(logger, machine, registry, orchestrator.Config{
		MemorySize:      cfg.Facilitation.MemorySize,
		RetryBase:       cfg.Facilitation.RetryBase,
		RetryMax:        cfg.Facilitation.RetryMax,
		DisableFallback: cfg.Facilitation.DisableFallback,
		Temperature:     cfg.Facilitation.Temperature,
	}, orchestrator.WithTracer(otel.Tracer(tracerName)), orchestrator.WithSink(dispatcher))

	scheduler := session.NewScheduler(logger, cfg.Facilitation.ReplyQueueSize, cfg.Facilitation.WorkerIdle)
	defer scheduler.Close()

	svc := facilitation.NewService(logger, machine, orch, scheduler,
		facilitation.WithSink(dispatcher),
		facilitation.WithRegistry(registry),
		facilitation.WithQueueSize(cfg.Facilitation.ReplyQueueSize))
	defer svc.Close()

	reconciler := reconcile.New(logger, svc)
	limiter := ratelimit.New(cfg.HTTP.RateLimitPerMinute)

	hub := realtime.NewHub(logger, svc, reconciler, machine.Updates(), realtime.Config{
		Heartbeat:      cfg.Realtime.Heartbeat,
		SendBuffer:     cfg.Realtime.SendBuffer,
		ReplayLimit:    cfg.Realtime.ReplayLimit,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, realtime.WithLimiter(limiter))
	defer hub.Close()

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.Deps{
		Logger:      logger,
		AppName:     cfg.App.Name,
		Version:     cfg.App.Version,
		Service:     svc,
		Reconciler:  reconciler,
		Hub:         hub,
		Verifier:    verifier(cfg.Auth, logger),
		Limiter:     limiter,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Admins:      cfg.Auth.AdminUsers,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Str("db_driver", cfg.DB.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	// Websocket connections are hijacked and not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func analyticsSubscribers(cfg config.AnalyticsConfig, logger zerolog.Logger) []subscribers.Subscriber {
	var subs []subscribers.Subscriber
	if cfg.LogSummaries {
		subs = append(subs, logsub.New(logger))
	}
	for idx, url := range cfg.Webhooks {
		var opts []webhook.Option
		if cfg.WebhookSecret != "" {
			opts = append(opts, webhook.WithHeader("X-Webhook-Secret", cfg.WebhookSecret))
		}
		subs = append(subs, webhook.New(fmt.Sprintf("webhook-%d", idx+1), url, logger, opts...))
	}
	return subs
}

// providerRegistry registers every configured provider that has an API key.
func providerRegistry(cfg config.Config, logger zerolog.Logger) *model.Registry {
	registry := model.NewRegistry()
	model.RegisterBuiltins(registry)
	for _, pc := range cfg.Providers {
		key := cfg.Keys.For(pc.Name)
		if key == "" {
			logger.Info().Str("provider", pc.Name).Msg("provider skipped: no api key")
			continue
		}
		provider, ok := registry.New(pc.Name, key)
		if !ok {
			logger.Warn().Str("provider", pc.Name).Msg("provider skipped: unknown name")
			continue
		}
		if err := registry.Register(pc, provider); err != nil {
			logger.Warn().Err(err).Str("provider", pc.Name).Msg("provider skipped")
			continue
		}
		logger.Info().Str("provider", pc.Name).Str("model", pc.Model).Int("priority", pc.Priority).Bool("enabled", pc.Enabled).Msg("provider registered")
	}
	if len(registry.Snapshot()) == 0 {
		logger.Warn().Msg("no model providers configured; replies will be scripted")
	}
	return registry
}

func verifier(cfg config.AuthConfig, logger zerolog.Logger) auth.Verifier {
	if cfg.JWTSecret == "" {
		logger.Warn().Str("header", auth.UserHeader).Msg("jwt secret not set; trusting user header")
		return auth.HeaderVerifier{}
	}
	return auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
}
