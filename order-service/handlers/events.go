package handlers

import (
	"context"

	"github.com/draftea/order-saga/order-service/application"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SagaEventHandlers feeds inbound saga events to the engine and decides
// whether the transport may acknowledge them.
type SagaEventHandlers struct {
	engine *application.SagaEngine
	logger zerolog.Logger
}

// NewSagaEventHandlers creates new saga event handlers
func NewSagaEventHandlers(engine *application.SagaEngine, logger zerolog.Logger) *SagaEventHandlers {
	return &SagaEventHandlers{
		engine: engine,
		logger: logger.With().Str("component", "saga-events").Logger(),
	}
}

// Handle implements the events.EventHandler interface. Malformed messages
// are acknowledged after logging since redelivery can never fix them.
func (h *SagaEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	logger := h.logger.With().
		Str("event_id", event.ID.String()).
		Str("topic", event.Topic.String()).
		Logger()
	ctx = logger.WithContext(ctx)

	if _, err := h.engine.Handle(ctx, event); err != nil {
		if errors.Is(err, saga.ErrMalformedEvent) {
			logger.Error().Err(err).Msg("dropping malformed event")
			return nil
		}
		return err
	}

	return nil
}

// Router routes every inbound saga topic to the engine
func (h *SagaEventHandlers) Router() *events.Router {
	router := events.NewRouter()
	for _, topic := range events.SagaInboundTopics {
		router.Register(topic, h)
	}
	return router
}
