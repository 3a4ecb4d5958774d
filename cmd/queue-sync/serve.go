package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-sync/internal/bus"
	"qms/queue-sync/internal/config"
	"qms/queue-sync/internal/directory"
	"qms/queue-sync/internal/httpapi"
	"qms/queue-sync/internal/logging"
	"qms/queue-sync/internal/realtime"
	"qms/queue-sync/internal/telemetry"
	"qms/queue-sync/internal/transfer"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func serveCmd() *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API and realtime relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(seedFile)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed-counters", "", "JSON file of counters to upsert at startup")
	return cmd
}

func runServer(seedFile string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	shutdownTelemetry := telemetry.Setup("queue-sync", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if seedFile != "" {
		n, err := seedCounters(ctx, st, seedFile)
		if err != nil {
			return err
		}
		logger.Info().Int("counters", n).Str("file", seedFile).Msg("counters seeded")
	}

	natsBus, err := connectNATS(cfg, "queue-sync-server", logger)
	if err != nil {
		return err
	}
	defer natsBus.Close()

	var primary bus.Channel
	mux := http.NewServeMux()
	if natsBus != nil {
		primary = natsBus.channel

		hub := realtime.NewHub(logger)
		sub, err := realtime.NewRelay(hub, logger).Start(natsBus.channel)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
		mux.Handle("/realtime/", realtime.NewSockJSHandler("/realtime", hub, logger))
	} else {
		logger.Warn().Msg("no NATS configured; events stay in process and the realtime relay is off")
		local := bus.NewLocalChannel(cfg.FallbackWindow(), logger)
		defer local.Close()
		primary = local
	}

	orc := transfer.New(st, directory.New(st, logger), bus.NewPublisher(primary, nil, logger), logger)
	handler := httpapi.NewHandler(orc, logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		FacilityPerMinute: cfg.FacilityRateLimit,
		FacilityBurst:     cfg.FacilityRateBurst,
	})
	mux.Handle("/", limiter.Middleware(handler.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, mux), "queue-sync"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.DBDriver).Msg("queue-sync listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
