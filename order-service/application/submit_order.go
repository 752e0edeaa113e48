package application

import (
	"context"
	"reflect"
	"strings"

	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const defaultCurrency = "USD"

// SubmitOrderCommand represents a new order request
type SubmitOrderCommand struct {
	CustomerEmail string  `json:"customer_email" validate:"required,email"`
	ProductName   string  `json:"product_name" validate:"required,max=200"`
	Quantity      int     `json:"quantity" validate:"gte=1"`
	TotalAmount   float64 `json:"total_amount" validate:"gt=0"`
	Currency      string  `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

// SubmitOrderResponse is returned before the saga makes any progress
type SubmitOrderResponse struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// ValidationError carries the rejected fields of a command
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, rule := range e.Fields {
		parts = append(parts, field+" "+rule)
	}
	return "invalid command: " + strings.Join(parts, ", ")
}

// SubmitOrder assigns a correlation id to a new order and emits OrderSubmitted
// to the saga engine without waiting for the saga to progress.
type SubmitOrder struct {
	publisher events.Publisher
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewSubmitOrder creates a new SubmitOrder use case
func NewSubmitOrder(publisher events.Publisher, logger zerolog.Logger) *SubmitOrder {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonFieldName)

	return &SubmitOrder{
		publisher: publisher,
		validate:  validate,
		logger:    logger.With().Str("component", "submit-order").Logger(),
	}
}

// Execute executes the submit order use case
func (uc *SubmitOrder) Execute(ctx context.Context, cmd *SubmitOrderCommand) (*SubmitOrderResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(cmd.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	correlationID := models.GenerateUUID()
	orderID := correlationID

	event := events.NewEvent(orderID, events.OrderSubmittedTopic, events.OrderSubmittedData{
		OrderID:       orderID,
		CorrelationID: correlationID,
		CustomerEmail: cmd.CustomerEmail,
		ProductName:   cmd.ProductName,
		Quantity:      cmd.Quantity,
		TotalAmount:   models.MoneyFromDecimal(cmd.TotalAmount, currency),
	}).WithCorrelationID(correlationID)

	if err := uc.publisher.Publish(ctx, event); err != nil {
		return nil, saga.TransportUnavailable(err, "failed to publish order submission")
	}

	uc.logger.Info().
		Str("order_id", orderID.String()).
		Str("product", cmd.ProductName).
		Int("quantity", cmd.Quantity).
		Msg("order submitted")

	return &SubmitOrderResponse{
		OrderID:       orderID.String(),
		CorrelationID: correlationID.String(),
		Status:        string(domain.StateSubmitted),
	}, nil
}

func (uc *SubmitOrder) validateCommand(cmd *SubmitOrderCommand) error {
	if cmd == nil {
		return &ValidationError{Fields: map[string]string{"body": "required"}}
	}

	err := uc.validate.Struct(cmd)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return errors.Wrap(err, "invalid command")
	}

	fields := make(map[string]string, len(validationErrs))
	for _, fe := range validationErrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}
