package handlers

import (
	"context"

	"github.com/draftea/order-saga/fulfillment-service/application"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// FulfillmentEventHandlers routes saga commands to the simulated providers
type FulfillmentEventHandlers struct {
	fulfillment *application.Fulfillment
	logger      zerolog.Logger
}

func NewFulfillmentEventHandlers(fulfillment *application.Fulfillment, logger zerolog.Logger) *FulfillmentEventHandlers {
	return &FulfillmentEventHandlers{
		fulfillment: fulfillment,
		logger:      logger.With().Str("component", "fulfillment-events").Logger(),
	}
}

// Router registers one handler per command topic
func (h *FulfillmentEventHandlers) Router() *events.Router {
	return events.NewRouter().
		RegisterFunc(events.ReserveStockTopic, h.ackMalformed(h.fulfillment.ReserveStock)).
		RegisterFunc(events.ReleaseStockTopic, h.ackMalformed(h.fulfillment.ReleaseStock)).
		RegisterFunc(events.ProcessPaymentTopic, h.ackMalformed(h.fulfillment.ProcessPayment)).
		RegisterFunc(events.ArrangeShippingTopic, h.ackMalformed(h.fulfillment.ArrangeShipping))
}

// ackMalformed drops commands that can never be decoded instead of redelivering them
func (h *FulfillmentEventHandlers) ackMalformed(next func(context.Context, *events.Event) error) func(context.Context, *events.Event) error {
	return func(ctx context.Context, event *events.Event) error {
		err := next(ctx, event)
		if errors.Is(err, saga.ErrMalformedEvent) {
			h.logger.Error().Err(err).
				Str("event_id", event.ID.String()).
				Str("topic", event.Topic.String()).
				Msg("dropping malformed command")
			return nil
		}
		return err
	}
}
