package config

import (
	"context"
	"os"
	"strconv"

	"github.com/draftea/order-saga/order-service/application"
	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/order-service/handlers"
	"github.com/draftea/order-saga/order-service/infrastructure"
	sharedinfra "github.com/draftea/order-saga/shared/infrastructure"
	"github.com/draftea/order-saga/shared/outbox"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Logger zerolog.Logger

	// Database
	DB *sqlx.DB

	// Stores
	SagaRepository domain.SagaRepository
	OutboxStore    outbox.Store
	StorePinger    handlers.Pinger

	// Use Cases
	SagaEngine  *application.SagaEngine
	SubmitOrder *application.SubmitOrder
	GetOrder    *application.GetOrder

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Event Handlers
	SagaEventHandlers *handlers.SagaEventHandlers
	RetryPolicy       saga.RetryPolicy

	// Infrastructure
	Transport *sharedinfra.Transport
	Relay     *outbox.Relay

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Dependencies, error) {
	deps := &Dependencies{Logger: logger}

	// Initialize telemetry first
	if cfg.Telemetry.Enabled {
		telConfig := telemetry.OrderServiceConfig.WithOTLPEndpoint(cfg.Telemetry.OTLPEndpoint)
		tel, shutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			logger.Warn().Err(err).Msg("failed to initialize telemetry")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = shutdown
		}
	}

	if err := deps.buildStores(ctx, cfg); err != nil {
		deps.Close()
		return nil, err
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

	// Initialize use cases
	deps.SagaEngine = application.NewSagaEngine(deps.SagaRepository, domain.NewOrderSagaDefinition(), cfg.Saga.ConflictRetryIntervals, logger)
	deps.SubmitOrder = application.NewSubmitOrder(transport.Publisher, logger)
	deps.GetOrder = application.NewGetOrder(deps.SagaRepository)

	deps.Relay = outbox.NewRelay(deps.OutboxStore, transport.Publisher, relayOwner(cfg), outbox.RelayOptions{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		Lease:        cfg.Relay.Lease,
	}, logger)

	// Initialize handlers
	deps.OrderHandlers = handlers.NewOrderHandlers(deps.SubmitOrder, deps.GetOrder, deps.StorePinger)
	deps.SagaEventHandlers = handlers.NewSagaEventHandlers(deps.SagaEngine, logger)

	intervals := cfg.Transport.RetryIntervals
	if len(intervals) == 0 {
		intervals = saga.DefaultIntervals
	}
	deps.RetryPolicy = saga.NewRetryPolicy(intervals...)

	return deps, nil
}

func (d *Dependencies) buildStores(ctx context.Context, cfg *Config) error {
	if cfg.Database.Driver == DatabaseDriverMemory {
		d.Logger.Warn().Msg("using in-memory saga store, state is lost on restart")
		store := infrastructure.NewMemorySagaRepository()
		d.SagaRepository = store
		d.OutboxStore = store
		d.StorePinger = store
		return nil
	}

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	d.DB = db

	if cfg.Database.AutoMigrate {
		if err := infrastructure.Migrate(db.DB); err != nil {
			return err
		}
		d.Logger.Info().Msg("database migrated")
	}

	outboxStore := sharedinfra.NewPostgresOutboxStore(db)
	repository := infrastructure.NewPostgresSagaRepository(db, outboxStore)
	d.SagaRepository = repository
	d.OutboxStore = outboxStore
	d.StorePinger = repository
	return nil
}

// OpenDatabase connects to the saga store database
func OpenDatabase(ctx context.Context, cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	return db, nil
}

func relayOwner(cfg *Config) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = cfg.ServiceName
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.Transport != nil {
		if err := d.Transport.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close transport"))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close database"))
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
