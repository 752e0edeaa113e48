package outbox

import (
	"context"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

var DefaultRelayOptions = RelayOptions{
	PollInterval: 500 * time.Millisecond,
	BatchSize:    50,
	Lease:        30 * time.Second,
}

// Relay publishes claimed outbox records and deletes them once the
// transport accepted them.
type Relay struct {
	store     Store
	publisher events.Publisher
	owner     string
	opts      RelayOptions
	logger    zerolog.Logger
}

func NewRelay(store Store, publisher events.Publisher, owner string, opts RelayOptions, logger zerolog.Logger) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultRelayOptions.PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultRelayOptions.BatchSize
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultRelayOptions.Lease
	}

	return &Relay{
		store:     store,
		publisher: publisher,
		owner:     owner,
		opts:      opts,
		logger:    logger.With().Str("component", "outbox-relay").Str("owner", owner).Logger(),
	}
}

// Run polls the outbox until ctx is cancelled. A full batch is followed
// immediately by another scan instead of waiting for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("poll_interval", r.opts.PollInterval).
		Int("batch_size", r.opts.BatchSize).
		Msg("outbox relay started")

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		published, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox scan failed")
		}

		if err == nil && published == r.opts.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce claims one batch and publishes it, returning how many records
// were published and deleted.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "outbox.relay")
	defer span.End()

	records, err := r.store.Claim(ctx, r.owner, r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		span.RecordError(err)
		return 0, saga.StoreUnavailable(err, "failed to claim outbox records")
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(records)))
	telemetry.RecordGauge(ctx, "outbox_claimed_records", "Outbox records claimed by the last scan", float64(len(records)))

	published := 0
	for _, record := range records {
		if err := r.publish(ctx, record); err != nil {
			continue
		}
		published++
	}

	return published, nil
}

func (r *Relay) publish(ctx context.Context, record *Record) error {
	logger := r.logger.With().
		Str("outbox_id", record.ID.String()).
		Str("correlation_id", record.CorrelationID.String()).
		Str("topic", record.Topic.String()).
		Logger()
	topicAttr := attribute.String("topic", record.Topic.String())

	if err := r.publisher.Publish(ctx, record.Event); err != nil {
		telemetry.RecordCounter(ctx, "outbox_publish_failures_total", "Outbox records that failed to publish", 1, topicAttr)
		logger.Warn().Err(err).Int("attempts", record.Attempts+1).Msg("outbox publish failed")

		if releaseErr := r.store.Release(ctx, r.owner, record.ID, err); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("failed to release outbox record")
		}
		return saga.TransportUnavailable(err, "failed to publish outbox record")
	}

	telemetry.RecordCounter(ctx, "outbox_published_total", "Outbox records published", 1, topicAttr)
	trace.SpanFromContext(ctx).AddEvent("published", trace.WithAttributes(topicAttr))

	// The lease expires on its own if the delete fails; the record is then
	// published again, which downstream consumers tolerate.
	if err := r.store.Delete(ctx, r.owner, record.ID); err != nil {
		logger.Error().Err(err).Msg("failed to delete published outbox record")
		return errors.Wrap(err, "failed to delete outbox record")
	}

	logger.Debug().Msg("outbox record published")
	return nil
}
