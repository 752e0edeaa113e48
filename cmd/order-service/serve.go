package main

import (
	"context"
	"net/http"
	"time"

	"github.com/draftea/order-saga/order-service/config"
	"github.com/draftea/order-saga/order-service/handlers"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the saga event consumer and the outbox relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.ReadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger := telemetry.NewLogger(cfg.ServiceName, cfg.Logging)
	logger.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("transport", cfg.Transport.Driver).
		Str("store", cfg.Database.Driver).
		Msg("starting order-service")

	deps, err := config.BuildDependencies(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "failed to build dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing dependencies")
		}
	}()

	ctx = logger.WithContext(ctx)
	if deps.Telemetry != nil {
		ctx = telemetry.WithTelemetry(ctx, deps.Telemetry)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(deps, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		handler := saga.NewRetryHandler(deps.SagaEventHandlers.Router(), deps.RetryPolicy)
		err := deps.Transport.Subscriber.Subscribe(ctx, handler, events.SagaInboundTopics...)
		if err != nil && ctx.Err() == nil {
			return errors.Wrap(err, "saga event consumer failed")
		}
		return nil
	})

	g.Go(func() error {
		return deps.Relay.Run(ctx)
	})

	err = g.Wait()
	logger.Info().Msg("order-service stopped")
	return err
}

func setupRouter(deps *config.Dependencies, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.Middleware(deps.Telemetry, logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	handlers.RegisterMetrics(r)
	deps.OrderHandlers.RegisterRoutes(r)

	return r
}
