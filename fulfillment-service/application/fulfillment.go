package application

import (
	"context"
	"time"

	"github.com/draftea/order-saga/fulfillment-service/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Latencies are the simulated provider response times
type Latencies struct {
	ReserveStock    time.Duration
	ProcessPayment  time.Duration
	ArrangeShipping time.Duration
	ReleaseStock    time.Duration
}

var DefaultLatencies = Latencies{
	ReserveStock:    500 * time.Millisecond,
	ProcessPayment:  800 * time.Millisecond,
	ArrangeShipping: 600 * time.Millisecond,
	ReleaseStock:    300 * time.Millisecond,
}

// Fulfillment executes saga commands against the simulated providers and
// publishes one reply per command.
type Fulfillment struct {
	simulator *domain.Simulator
	publisher events.Publisher
	latencies Latencies
	sleep     func(context.Context, time.Duration) error
	clock     func() time.Time
	logger    zerolog.Logger
}

func NewFulfillment(simulator *domain.Simulator, publisher events.Publisher, latencies Latencies, logger zerolog.Logger) *Fulfillment {
	return &Fulfillment{
		simulator: simulator,
		publisher: publisher,
		latencies: latencies,
		sleep:     sleep,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    telemetry.Component(logger, "fulfillment"),
	}
}

// WithSleep replaces how simulated latency is spent
func (f *Fulfillment) WithSleep(sleep func(context.Context, time.Duration) error) *Fulfillment {
	f.sleep = sleep
	return f
}

// WithClock replaces the time source
func (f *Fulfillment) WithClock(clock func() time.Time) *Fulfillment {
	f.clock = clock
	return f
}

// ReserveStock handles stock.reserve.requested
func (f *Fulfillment) ReserveStock(ctx context.Context, command *events.Event) error {
	var data events.ReserveStockData
	if err := decode(command, &data); err != nil {
		return err
	}
	logger := f.commandLogger(command, data.OrderID)
	logger.Info().Str("product", data.ProductName).Int("quantity", data.Quantity).Msg("reserving stock")

	if err := f.sleep(ctx, f.latencies.ReserveStock); err != nil {
		return err
	}

	reservation := f.simulator.ReserveStock(data.ProductName, data.Quantity)
	if !reservation.Reserved {
		logger.Warn().Str("reason", reservation.Reason).Msg("stock reservation failed")
		return f.reply(ctx, command, data.OrderID, events.StockReservationFailedTopic, events.StockReservationFailedData{
			OrderID:       data.OrderID,
			CorrelationID: data.CorrelationID,
			ProductName:   data.ProductName,
			Quantity:      data.Quantity,
			Reason:        reservation.Reason,
		})
	}

	logger.Info().Msg("stock reserved")
	return f.reply(ctx, command, data.OrderID, events.StockReservedTopic, events.StockReservedData{
		OrderID:       data.OrderID,
		CorrelationID: data.CorrelationID,
		ProductName:   data.ProductName,
		Quantity:      data.Quantity,
	})
}

// ReleaseStock handles stock.release.requested. Releasing always succeeds.
func (f *Fulfillment) ReleaseStock(ctx context.Context, command *events.Event) error {
	var data events.ReleaseStockData
	if err := decode(command, &data); err != nil {
		return err
	}
	logger := f.commandLogger(command, data.OrderID)
	logger.Info().
		Str("product", data.ProductName).
		Int("quantity", data.Quantity).
		Str("reason", data.Reason).
		Msg("compensation: releasing stock")

	if err := f.sleep(ctx, f.latencies.ReleaseStock); err != nil {
		return err
	}

	logger.Info().Msg("stock released")
	return f.reply(ctx, command, data.OrderID, events.StockReleasedTopic, events.StockReleasedData{
		OrderID:       data.OrderID,
		CorrelationID: data.CorrelationID,
		ProductName:   data.ProductName,
		Quantity:      data.Quantity,
	})
}

// ProcessPayment handles payment.process.requested
func (f *Fulfillment) ProcessPayment(ctx context.Context, command *events.Event) error {
	var data events.ProcessPaymentData
	if err := decode(command, &data); err != nil {
		return err
	}
	logger := f.commandLogger(command, data.OrderID)
	logger.Info().Str("amount", data.Amount.String()).Str("customer", data.CustomerEmail).Msg("processing payment")

	if err := f.sleep(ctx, f.latencies.ProcessPayment); err != nil {
		return err
	}

	result := f.simulator.ProcessPayment(data.Amount)
	if !result.Approved {
		logger.Warn().Str("reason", result.Reason).Msg("payment failed")
		return f.reply(ctx, command, data.OrderID, events.PaymentFailedTopic, events.PaymentFailedData{
			OrderID:       data.OrderID,
			CorrelationID: data.CorrelationID,
			CustomerEmail: data.CustomerEmail,
			Amount:        data.Amount,
			Reason:        result.Reason,
		})
	}

	logger.Info().Str("transaction_id", result.TransactionID).Msg("payment completed")
	return f.reply(ctx, command, data.OrderID, events.PaymentCompletedTopic, events.PaymentCompletedData{
		OrderID:       data.OrderID,
		CorrelationID: data.CorrelationID,
		CustomerEmail: data.CustomerEmail,
		Amount:        data.Amount,
		TransactionID: result.TransactionID,
	})
}

// ArrangeShipping handles shipping.arrange.requested. Shipping always succeeds.
func (f *Fulfillment) ArrangeShipping(ctx context.Context, command *events.Event) error {
	var data events.ArrangeShippingData
	if err := decode(command, &data); err != nil {
		return err
	}
	logger := f.commandLogger(command, data.OrderID)
	logger.Info().Str("product", data.ProductName).Int("quantity", data.Quantity).Msg("arranging shipping")

	if err := f.sleep(ctx, f.latencies.ArrangeShipping); err != nil {
		return err
	}

	shipment := f.simulator.ArrangeShipping(f.clock())
	logger.Info().
		Str("tracking_number", shipment.TrackingNumber).
		Time("estimated_delivery", shipment.EstimatedDelivery).
		Msg("shipping arranged")

	return f.reply(ctx, command, data.OrderID, events.ShippingArrangedTopic, events.ShippingArrangedData{
		OrderID:           data.OrderID,
		CorrelationID:     data.CorrelationID,
		TrackingNumber:    shipment.TrackingNumber,
		EstimatedDelivery: shipment.EstimatedDelivery,
	})
}

// reply publishes the outcome of command. The reply id is derived from the
// command id so a redelivered command yields a reply with the same id.
func (f *Fulfillment) reply(ctx context.Context, command *events.Event, orderID models.ID, topic events.Topic, data interface{}) error {
	correlationID := command.CorrelationID
	if correlationID == "" {
		correlationID = orderID
	}

	event := events.NewEvent(orderID, topic, data).
		WithCorrelationID(correlationID).
		WithMetadata("causation_id", command.ID.String())
	event.ID = models.NewNameBasedID(command.ID.String(), topic.String())

	if err := f.publisher.Publish(ctx, event); err != nil {
		return saga.TransportUnavailable(err, "failed to publish "+topic.String())
	}

	telemetry.RecordCounter(ctx, "fulfillment_replies_total", "Replies published by the simulated providers", 1,
		attribute.String("command", command.Topic.String()),
		attribute.String("reply", topic.String()),
	)
	return nil
}

func (f *Fulfillment) commandLogger(command *events.Event, orderID models.ID) zerolog.Logger {
	return f.logger.With().
		Str("command", command.Topic.String()).
		Str("order_id", orderID.String()).
		Str("correlation_id", command.CorrelationID.String()).
		Logger()
}

func decode(command *events.Event, v interface{}) error {
	if err := command.UnmarshalPayload(v); err != nil {
		return saga.Malformed(err, "failed to decode "+command.Topic.String())
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
