package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

// Action mutates the working copy of a saga for an accepted event and returns
// the messages to emit.
type Action func(saga *OrderSaga, event *events.Event, now time.Time) ([]Outbound, error)

// Outbound is one message an action wants emitted
type Outbound struct {
	Topic events.Topic
	Data  interface{}
}

// Transition is one edge of the order saga state machine
type Transition struct {
	From   SagaState
	Event  events.Topic
	To     SagaState
	Action Action
}

type transitionKey struct {
	state SagaState
	event events.Topic
}

// Definition is the finite state machine of the order saga. It does no I/O.
type Definition struct {
	transitions map[transitionKey]Transition
	ordered     []Transition
}

// NewOrderSagaDefinition builds the order saga transition table
func NewOrderSagaDefinition() *Definition {
	return newDefinition(
		Transition{From: StateNone, Event: events.OrderSubmittedTopic, To: StateSubmitted, Action: captureOrder},
		Transition{From: StateSubmitted, Event: events.StockReservedTopic, To: StateStockReserved, Action: requestPayment},
		Transition{From: StateSubmitted, Event: events.StockReservationFailedTopic, To: StateFailed, Action: failOnStock},
		Transition{From: StateStockReserved, Event: events.PaymentCompletedTopic, To: StatePaymentCompleted, Action: requestShipping},
		Transition{From: StateStockReserved, Event: events.PaymentFailedTopic, To: StateCompensating, Action: compensatePayment},
		Transition{From: StatePaymentCompleted, Event: events.ShippingArrangedTopic, To: StateCompleted, Action: completeOrder},
		Transition{From: StateCompensating, Event: events.StockReleasedTopic, To: StateFailed, Action: failAfterCompensation},
	)
}

func newDefinition(transitions ...Transition) *Definition {
	d := &Definition{transitions: make(map[transitionKey]Transition, len(transitions))}
	for _, t := range transitions {
		key := transitionKey{state: t.From, event: t.Event}
		if _, exists := d.transitions[key]; exists {
			panic(fmt.Sprintf("duplicate transition %s --%s-->", t.From, t.Event))
		}
		d.transitions[key] = t
		d.ordered = append(d.ordered, t)
	}
	return d
}

// Lookup finds the transition for an event received in state
func (d *Definition) Lookup(state SagaState, event events.Topic) (Transition, bool) {
	t, ok := d.transitions[transitionKey{state: state, event: event}]
	return t, ok
}

// Transitions returns the table in declaration order
func (d *Definition) Transitions() []Transition {
	out := make([]Transition, len(d.ordered))
	copy(out, d.ordered)
	return out
}

// Accepts reports whether the event kind appears anywhere in the table
func (d *Definition) Accepts(event events.Topic) bool {
	for _, t := range d.ordered {
		if t.Event == event {
			return true
		}
	}
	return false
}

// IsCreation reports whether event can create a new instance
func (d *Definition) IsCreation(event events.Topic) bool {
	_, ok := d.Lookup(StateNone, event)
	return ok
}

// Apply evaluates event against current, which is nil when no instance exists
// yet. It returns a new instance with the version bumped and the events to
// emit, or ErrNoTransition when the event is not expected in the current state.
// current is never modified.
func (d *Definition) Apply(current *OrderSaga, event *events.Event, now time.Time) (*OrderSaga, []*events.Event, error) {
	state := StateNone
	if current != nil {
		state = current.CurrentState
	}

	t, ok := d.Lookup(state, event.Topic)
	if !ok {
		return current, nil, ErrNoTransition
	}

	var next *OrderSaga
	if current == nil {
		next = &OrderSaga{
			CorrelationID: event.CorrelationID,
			Timestamps:    models.NewTimestamps(now),
			Version:       models.NewVersion(),
		}
	} else {
		next = current.Clone()
		next.Timestamps = next.Timestamps.Touch(now)
		next.Version = next.Version.Next()
	}

	outbound, err := t.Action(next, event, now)
	if err != nil {
		return current, nil, err
	}
	next.CurrentState = t.To

	emitted := make([]*events.Event, 0, len(outbound))
	for i, out := range outbound {
		// Event ids are derived from the saga write, so a republished outbox
		// record carries the same id as the first delivery.
		id := models.NewNameBasedID(next.CorrelationID.String(), strconv.Itoa(next.Version.Value), out.Topic.String(), strconv.Itoa(i))

		evt := events.NewEvent(next.OrderID, out.Topic, out.Data).WithCorrelationID(next.CorrelationID)
		evt.ID = id
		evt.Timestamp = now
		evt.WithMetadata("causation_id", event.ID.String())
		emitted = append(emitted, evt)
	}

	return next, emitted, nil
}

func decode(event *events.Event, v interface{}) error {
	if err := event.UnmarshalPayload(v); err != nil {
		return errors.Wrapf(ErrInvalidPayload, "%s: %v", event.Topic, err)
	}
	return nil
}

func captureOrder(s *OrderSaga, event *events.Event, _ time.Time) ([]Outbound, error) {
	var data events.OrderSubmittedData
	if err := decode(event, &data); err != nil {
		return nil, err
	}

	if err := validateSubmission(&data); err != nil {
		return nil, err
	}

	if s.CorrelationID == "" {
		s.CorrelationID = data.CorrelationID
	}
	s.OrderID = data.OrderID
	s.CustomerEmail = data.CustomerEmail
	s.ProductName = data.ProductName
	s.Quantity = data.Quantity
	s.TotalAmount = data.TotalAmount

	return []Outbound{{
		Topic: events.ReserveStockTopic,
		Data: events.ReserveStockData{
			OrderID:       s.OrderID,
			CorrelationID: s.CorrelationID,
			ProductName:   s.ProductName,
			Quantity:      s.Quantity,
		},
	}}, nil
}

func validateSubmission(data *events.OrderSubmittedData) error {
	var problems []string
	if data.OrderID == "" {
		problems = append(problems, "order_id is required")
	} else if id, err := models.NewID(data.OrderID.String()); err != nil {
		problems = append(problems, "order_id must be a uuid")
	} else {
		data.OrderID = id
	}
	if data.CorrelationID != "" {
		if _, err := models.NewID(data.CorrelationID.String()); err != nil {
			problems = append(problems, "correlation_id must be a uuid")
		}
	}
	if strings.TrimSpace(data.ProductName) == "" {
		problems = append(problems, "product_name is required")
	}
	if data.Quantity < 1 {
		problems = append(problems, "quantity must be at least 1")
	}
	if !data.TotalAmount.IsPositive() {
		problems = append(problems, "total_amount must be positive")
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidPayload, strings.Join(problems, ", "))
	}
	return nil
}

func requestPayment(s *OrderSaga, _ *events.Event, _ time.Time) ([]Outbound, error) {
	return []Outbound{{
		Topic: events.ProcessPaymentTopic,
		Data: events.ProcessPaymentData{
			OrderID:       s.OrderID,
			CorrelationID: s.CorrelationID,
			CustomerEmail: s.CustomerEmail,
			Amount:        s.TotalAmount,
		},
	}}, nil
}

func failOnStock(s *OrderSaga, event *events.Event, _ time.Time) ([]Outbound, error) {
	var data events.StockReservationFailedData
	if err := decode(event, &data); err != nil {
		return nil, err
	}

	reason := data.Reason
	s.FailureReason = &reason

	return []Outbound{orderFailed(s, reason)}, nil
}

func requestShipping(s *OrderSaga, _ *events.Event, _ time.Time) ([]Outbound, error) {
	return []Outbound{{
		Topic: events.ArrangeShippingTopic,
		Data: events.ArrangeShippingData{
			OrderID:       s.OrderID,
			CorrelationID: s.CorrelationID,
			CustomerEmail: s.CustomerEmail,
			ProductName:   s.ProductName,
			Quantity:      s.Quantity,
		},
	}}, nil
}

func compensatePayment(s *OrderSaga, event *events.Event, _ time.Time) ([]Outbound, error) {
	var data events.PaymentFailedData
	if err := decode(event, &data); err != nil {
		return nil, err
	}

	reason := "Payment failed: " + data.Reason
	s.FailureReason = &reason

	return []Outbound{{
		Topic: events.ReleaseStockTopic,
		Data: events.ReleaseStockData{
			OrderID:       s.OrderID,
			CorrelationID: s.CorrelationID,
			ProductName:   s.ProductName,
			Quantity:      s.Quantity,
			Reason:        data.Reason,
		},
	}}, nil
}

func completeOrder(s *OrderSaga, event *events.Event, _ time.Time) ([]Outbound, error) {
	var data events.ShippingArrangedData
	if err := decode(event, &data); err != nil {
		return nil, err
	}

	tracking := data.TrackingNumber
	eta := data.EstimatedDelivery
	s.TrackingNumber = &tracking
	s.EstimatedDelivery = &eta

	return []Outbound{{
		Topic: events.OrderCompletedTopic,
		Data: events.OrderCompletedData{
			OrderID:        s.OrderID,
			CorrelationID:  s.CorrelationID,
			TrackingNumber: tracking,
		},
	}}, nil
}

func failAfterCompensation(s *OrderSaga, _ *events.Event, _ time.Time) ([]Outbound, error) {
	reason := "Unknown error"
	if s.FailureReason != nil && *s.FailureReason != "" {
		reason = *s.FailureReason
	}
	s.FailureReason = &reason
	return []Outbound{orderFailed(s, reason)}, nil
}

func orderFailed(s *OrderSaga, reason string) Outbound {
	return Outbound{
		Topic: events.OrderFailedTopic,
		Data: events.OrderFailedData{
			OrderID:       s.OrderID,
			CorrelationID: s.CorrelationID,
			Reason:        reason,
		},
	}
}
