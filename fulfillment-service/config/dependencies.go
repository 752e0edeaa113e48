package config

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/draftea/order-saga/fulfillment-service/application"
	"github.com/draftea/order-saga/fulfillment-service/domain"
	"github.com/draftea/order-saga/fulfillment-service/handlers"
	sharedinfra "github.com/draftea/order-saga/shared/infrastructure"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Logger zerolog.Logger

	// Use Cases
	Fulfillment *application.Fulfillment

	// Event Handlers
	FulfillmentEventHandlers *handlers.FulfillmentEventHandlers
	RetryPolicy              saga.RetryPolicy

	// Infrastructure
	Transport *sharedinfra.Transport

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Dependencies, error) {
	deps := &Dependencies{Logger: logger}

	if cfg.Telemetry.Enabled {
		telConfig := telemetry.FulfillmentServiceConfig.WithOTLPEndpoint(cfg.Telemetry.OTLPEndpoint)
		tel, shutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize telemetry")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = shutdown
		}
	}

	transport, err := sharedinfra.NewTransport(ctx, sharedinfra.TransportConfig{
		Transport: cfg.Transport,
		AWS:       cfg.AWS,
		Redis:     cfg.Redis,
	}, logger)
	if err != nil {
		deps.Close()
		return nil, errors.Wrap(err, "failed to create transport")
	}
	deps.Transport = transport

	sim := cfg.Simulation
	simulator := domain.NewSimulator(domain.Odds{
		StockFailurePercent:   sim.StockFailurePercent,
		PaymentFailurePercent: sim.PaymentFailurePercent,
		CreditLimit:           models.MoneyFromDecimal(sim.CreditLimit, "USD"),
		MinDeliveryDays:       sim.MinDeliveryDays,
		MaxDeliveryDays:       sim.MaxDeliveryDays,
	}, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())))

	deps.Fulfillment = application.NewFulfillment(simulator, transport.Publisher, application.Latencies{
		ReserveStock:    sim.Latency.ReserveStock,
		ProcessPayment:  sim.Latency.ProcessPayment,
		ArrangeShipping: sim.Latency.ArrangeShipping,
		ReleaseStock:    sim.Latency.ReleaseStock,
	}, logger)
	deps.FulfillmentEventHandlers = handlers.NewFulfillmentEventHandlers(deps.Fulfillment, logger)

	intervals := cfg.Transport.RetryIntervals
	if len(intervals) == 0 {
		intervals = saga.DefaultIntervals
	}
	deps.RetryPolicy = saga.NewRetryPolicy(intervals...)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.Transport != nil {
		if err := d.Transport.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close transport"))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return errors.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
