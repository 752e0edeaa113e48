package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftea/order-saga/fulfillment-service/config"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is set via ldflags during build
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "fulfillment-service",
		Short:         "Simulated stock, payment and shipping providers for the order saga",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("fulfillment-service failed")
		os.Exit(1)
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
		Str("transport", cfg.Transport.Driver).
		Int("stock_failure_percent", cfg.Simulation.StockFailurePercent).
		Int("payment_failure_percent", cfg.Simulation.PaymentFailurePercent).
		Msg("starting fulfillment-service")

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

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
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
		handler := saga.NewRetryHandler(deps.FulfillmentEventHandlers.Router(), deps.RetryPolicy)
		err := deps.Transport.Subscriber.Subscribe(ctx, handler, events.CommandTopics...)
		if err != nil && ctx.Err() == nil {
			return errors.Wrap(err, "command consumer failed")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("fulfillment-service stopped")
	return err
}
