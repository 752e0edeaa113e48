package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome describes what the engine did with an inbound event
type Outcome string

const (
	OutcomeCreated            Outcome = "created"
	OutcomeTransitioned       Outcome = "transitioned"
	OutcomeIgnored            Outcome = "ignored"
	OutcomeUnknownCorrelation Outcome = "unknown_correlation"
)

// EngineResult reports the effect of one handled event
type EngineResult struct {
	CorrelationID models.ID
	Outcome       Outcome
	PreviousState domain.SagaState
	CurrentState  domain.SagaState
	Version       int
	Emitted       []*events.Event
	Attempts      int
}

// DefaultConflictIntervals bound the in-process retries after losing an optimistic write
var DefaultConflictIntervals = []time.Duration{
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
}

// SagaEngine correlates inbound events to order sagas, applies the definition
// and commits the new state together with the outbound messages.
type SagaEngine struct {
	repository domain.SagaRepository
	definition *domain.Definition
	retry      saga.RetryPolicy
	clock      func() time.Time
	logger     zerolog.Logger
}

// NewSagaEngine creates a new SagaEngine. conflictIntervals are the waits
// between attempts after an optimistic-concurrency conflict.
func NewSagaEngine(
	repository domain.SagaRepository,
	definition *domain.Definition,
	conflictIntervals []time.Duration,
	logger zerolog.Logger,
) *SagaEngine {
	return &SagaEngine{
		repository: repository,
		definition: definition,
		retry: saga.RetryPolicy{
			Intervals: conflictIntervals,
			ShouldRetry: func(err error) bool {
				return errors.Is(err, saga.ErrConcurrencyConflict)
			},
		},
		clock:  func() time.Time { return time.Now().UTC() },
		logger: telemetry.Component(logger, "saga-engine"),
	}
}

// WithClock replaces the time source
func (e *SagaEngine) WithClock(clock func() time.Time) *SagaEngine {
	e.clock = clock
	return e
}

// WithSleep replaces how the engine waits between conflict retries
func (e *SagaEngine) WithSleep(sleep func(context.Context, time.Duration) error) *SagaEngine {
	e.retry.Sleep = sleep
	return e
}

// Handle applies event to the saga it correlates to. A nil error means the
// message may be acknowledged, including when the event was a no-op for the
// current state or referenced an unknown correlation id. Errors matching
// saga.IsTransient ask for redelivery; saga.ErrMalformedEvent can never succeed.
func (e *SagaEngine) Handle(ctx context.Context, event *events.Event) (*EngineResult, error) {
	start := time.Now()

	correlationID, err := correlationOf(event)
	if err != nil {
		return nil, err
	}
	parsed, err := models.NewID(correlationID.String())
	if err != nil {
		if e.definition.IsCreation(event.Topic) {
			return nil, saga.Malformed(err, "correlation id is not a uuid")
		}
		// No instance can be stored under such an id.
		e.logger.Warn().
			Err(saga.ErrUnknownCorrelation).
			Str("correlation_id", correlationID.String()).
			Str("event", event.Topic.String()).
			Msg("event ignored")
		e.record(ctx, event.Topic, string(OutcomeUnknownCorrelation), start)
		return &EngineResult{CorrelationID: correlationID, Outcome: OutcomeUnknownCorrelation}, nil
	}
	correlationID = parsed
	if event.CorrelationID != correlationID {
		event = event.Clone().WithCorrelationID(correlationID)
	}

	ctx, span := telemetry.StartSpan(ctx, "saga.handle", trace.WithAttributes(
		attribute.String("saga.correlation_id", correlationID.String()),
		attribute.String("saga.event", event.Topic.String()),
	))
	defer span.End()

	logger := e.logger.With().
		Str("correlation_id", correlationID.String()).
		Str("event", event.Topic.String()).
		Str("event_id", event.ID.String()).
		Logger()

	var result *EngineResult
	err = e.retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			telemetry.RecordCounter(ctx, "saga_concurrency_conflicts_total", "Optimistic concurrency conflicts retried", 1,
				attribute.String("event", event.Topic.String()))
			logger.Debug().Int("attempt", attempt).Msg("retrying after concurrency conflict")
		}

		var attemptErr error
		result, attemptErr = e.attempt(ctx, correlationID, event, logger)
		if result != nil {
			result.Attempts = attempt
		}
		return attemptErr
	})

	if err != nil {
		span.RecordError(err)
		outcome := "error"
		if errors.Is(err, saga.ErrConcurrencyConflict) {
			outcome = "conflict"
			err = errors.Wrapf(saga.ErrRetriesExhausted, "%d attempts: %v", e.retry.MaxAttempts(), err)
		}
		e.record(ctx, event.Topic, outcome, start)
		logger.Warn().Err(err).Msg("saga event not applied")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("saga.outcome", string(result.Outcome)),
		attribute.String("saga.state", result.CurrentState.String()),
	)
	e.record(ctx, event.Topic, string(result.Outcome), start)

	return result, nil
}

func (e *SagaEngine) attempt(ctx context.Context, correlationID models.ID, event *events.Event, logger zerolog.Logger) (*EngineResult, error) {
	current, err := e.repository.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, classifyStoreError(err, "failed to load saga")
	}

	result := &EngineResult{CorrelationID: correlationID, Outcome: OutcomeIgnored}
	if current != nil {
		result.PreviousState = current.CurrentState
		result.CurrentState = current.CurrentState
		result.Version = current.Version.Value
	}

	if current == nil && !e.definition.IsCreation(event.Topic) {
		// Most likely delivered ahead of its submission or after a purge.
		// An instance is never fabricated for it.
		logger.Warn().Err(saga.ErrUnknownCorrelation).Msg("event ignored")
		result.Outcome = OutcomeUnknownCorrelation
		return result, nil
	}

	next, emitted, err := e.definition.Apply(current, event, e.clock())
	switch {
	case errors.Is(err, domain.ErrNoTransition):
		logger.Debug().Str("state", result.CurrentState.String()).Msg("event not expected in current state, ignored")
		return result, nil
	case errors.Is(err, domain.ErrInvalidPayload):
		return nil, saga.Malformed(err, "failed to apply event")
	case err != nil:
		return nil, errors.Wrap(err, "failed to apply event")
	}

	if err := e.repository.Save(ctx, next, emitted); err != nil {
		if errors.Is(err, domain.ErrDuplicateOrder) {
			return nil, saga.Malformed(err, "failed to save saga")
		}
		return nil, classifyStoreError(err, "failed to save saga")
	}

	result.CurrentState = next.CurrentState
	result.Version = next.Version.Value
	result.Emitted = emitted
	result.Outcome = OutcomeTransitioned
	if current == nil {
		result.Outcome = OutcomeCreated
	}

	logger.Info().
		Str("order_id", next.OrderID.String()).
		Str("from", result.PreviousState.String()).
		Str("to", next.CurrentState.String()).
		Int("version", next.Version.Value).
		Int("emitted", len(emitted)).
		Msg("saga transitioned")

	return result, nil
}

func (e *SagaEngine) record(ctx context.Context, topic events.Topic, outcome string, start time.Time) {
	telemetry.RecordCounter(ctx, "saga_events_total", "Saga events handled", 1,
		attribute.String("event", topic.String()),
		attribute.String("outcome", outcome),
	)
	telemetry.RecordHistogram(ctx, "saga_handle_duration_seconds", "Saga event handling duration", time.Since(start).Seconds(),
		attribute.String("event", topic.String()),
	)
}

func classifyStoreError(err error, msg string) error {
	if errors.Is(err, saga.ErrConcurrencyConflict) || saga.IsTransient(err) {
		return err
	}
	return saga.StoreUnavailable(err, msg)
}

// correlationOf reads the correlation id from the envelope, falling back to the payload
func correlationOf(event *events.Event) (models.ID, error) {
	if event.CorrelationID != "" {
		return event.CorrelationID, nil
	}

	var payload struct {
		CorrelationID models.ID `json:"correlation_id"`
	}
	raw, err := event.MarshalPayload()
	if err == nil {
		err = json.Unmarshal(raw, &payload)
	}
	if err != nil {
		return "", saga.Malformed(err, "failed to read correlation id")
	}
	if payload.CorrelationID == "" {
		return "", saga.Malformed(events.ErrInvalidPayload, "event has no correlation id")
	}

	return payload.CorrelationID, nil
}
