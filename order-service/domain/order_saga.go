package domain

import (
	"context"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrNoTransition   = errors.New("no transition for state and event")
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrSagaNotFound   = errors.New("saga not found")
	// ErrDuplicateOrder means the order id is already owned by another saga.
	ErrDuplicateOrder = errors.New("order id belongs to another saga")
)

// SagaState represents the state of an order saga
type SagaState string

const (
	// StateNone is the implicit state before an instance exists. It is never stored.
	StateNone             SagaState = ""
	StateSubmitted        SagaState = "Submitted"
	StateStockReserved    SagaState = "StockReserved"
	StatePaymentCompleted SagaState = "PaymentCompleted"
	StateCompleted        SagaState = "Completed"
	StateFailed           SagaState = "Failed"
	StateCompensating     SagaState = "Compensating"
)

// IsTerminal reports whether the saga accepts no further transitions
func (s SagaState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s SagaState) String() string {
	if s == StateNone {
		return "None"
	}
	return string(s)
}

// ParseSagaState validates a stored state
func ParseSagaState(value string) (SagaState, error) {
	switch state := SagaState(value); state {
	case StateSubmitted, StateStockReserved, StatePaymentCompleted,
		StateCompleted, StateFailed, StateCompensating:
		return state, nil
	}
	return StateNone, errors.Errorf("unknown saga state %q", value)
}

// OrderSaga is the durable state of one order moving through stock,
// payment and shipping. Order fields are captured once at creation.
type OrderSaga struct {
	CorrelationID     models.ID
	OrderID           models.ID
	CustomerEmail     string
	ProductName       string
	Quantity          int
	TotalAmount       models.Money
	CurrentState      SagaState
	FailureReason     *string
	TrackingNumber    *string
	EstimatedDelivery *time.Time
	Timestamps        models.Timestamps
	Version           models.Version
}

// Clone returns a deep copy so a failed attempt never leaks into the loaded instance
func (s *OrderSaga) Clone() *OrderSaga {
	clone := *s
	if s.FailureReason != nil {
		reason := *s.FailureReason
		clone.FailureReason = &reason
	}
	if s.TrackingNumber != nil {
		tracking := *s.TrackingNumber
		clone.TrackingNumber = &tracking
	}
	if s.EstimatedDelivery != nil {
		eta := *s.EstimatedDelivery
		clone.EstimatedDelivery = &eta
	}
	return &clone
}

// SagaRepository persists order sagas with optimistic concurrency.
//
// Save inserts the saga when its version is the initial one and otherwise
// updates it on condition that the stored version is the previous one. The
// outbound events are staged in the outbox within the same transaction. A lost
// race is reported as saga.ErrConcurrencyConflict.
type SagaRepository interface {
	FindByCorrelationID(ctx context.Context, correlationID models.ID) (*OrderSaga, error)
	FindByOrderID(ctx context.Context, orderID models.ID) (*OrderSaga, error)
	ListRecent(ctx context.Context, limit int) ([]*OrderSaga, error)
	Save(ctx context.Context, saga *OrderSaga, outbound []*events.Event) error
}
