package events

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/draftea/order-saga/shared/models"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidReceiver = errors.New("receiver should be a pointer")
)

// Topic names a message kind. Patterns may use "*" for a single segment
// and "#" as a prefix/suffix wildcard.
type Topic string

func NewTopic(topic string) (Topic, error) {
	if strings.TrimSpace(topic) == "" {
		return "", ErrInvalidTopic
	}
	return Topic(topic), nil
}

func (t Topic) Matches(pattern Topic) bool {
	topicStr := t.String()
	patternStr := pattern.String()

	if patternStr == "#" {
		return true
	}

	switch {
	case strings.HasPrefix(patternStr, "#") && strings.HasSuffix(patternStr, "#"):
		return strings.Contains(topicStr, strings.Trim(patternStr, "#"))
	case strings.HasPrefix(patternStr, "#"):
		return strings.HasSuffix(topicStr, strings.TrimPrefix(patternStr, "#"))
	case strings.HasSuffix(patternStr, "#"):
		return strings.HasPrefix(topicStr, strings.TrimSuffix(patternStr, "#"))
	}

	return matchSegments(strings.Split(patternStr, "."), strings.Split(topicStr, "."))
}

func (t Topic) String() string {
	return string(t)
}

func matchSegments(patternParts, topicParts []string) bool {
	if len(patternParts) != len(topicParts) {
		return false
	}

	for i := range patternParts {
		if patternParts[i] != "*" && patternParts[i] != topicParts[i] {
			return false
		}
	}

	return true
}

// Metadata carries transport and tracing attributes alongside an event
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Set(key string, value string) {
	m[key] = value
}

func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Event is the envelope every transport carries. Data holds the typed payload
// on the producing side and a json.RawMessage after decoding.
type Event struct {
	ID            models.ID   `json:"id"`
	AggregateID   models.ID   `json:"aggregate_id"`
	Topic         Topic       `json:"topic"`
	Version       string      `json:"version"`
	Data          interface{} `json:"data"`
	Metadata      Metadata    `json:"metadata"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID models.ID   `json:"correlation_id"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// Subscriber delivers events on the given topics to handler until ctx is done.
// A message is acknowledged only when the handler returns nil.
type Subscriber interface {
	Subscribe(ctx context.Context, handler EventHandler, topics ...Topic) error
}

// EventHandler handles events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// NewEvent creates an event on topic for the given aggregate
func NewEvent(aggregateID models.ID, topic Topic, data interface{}) *Event {
	return &Event{
		ID:          models.GenerateUUID(),
		AggregateID: aggregateID,
		Topic:       topic,
		Version:     "1.0",
		Data:        data,
		Metadata:    make(Metadata),
		Timestamp:   time.Now().UTC(),
	}
}

// WithCorrelationID sets correlation ID
func (e *Event) WithCorrelationID(correlationID models.ID) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithMetadata adds metadata
func (e *Event) WithMetadata(key string, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
	e.Metadata.Set(key, value)
	return e
}

// ToJSON converts event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON decodes an envelope, keeping the payload raw until UnmarshalPayload
func FromJSON(data []byte) (*Event, error) {
	type envelope Event
	var raw struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	event := Event(raw.envelope)
	event.Data = raw.Data
	if event.Metadata == nil {
		event.Metadata = make(Metadata)
	}
	if event.Topic == "" {
		return nil, ErrInvalidTopic
	}

	return &event, nil
}

// MarshalPayload marshals the event payload
func (e *Event) MarshalPayload() (json.RawMessage, error) {
	switch b := e.Data.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}

	return json.Marshal(e.Data)
}

// UnmarshalPayload unmarshals the event payload into the given pointer
func (e *Event) UnmarshalPayload(v interface{}) error {
	vValue := reflect.ValueOf(v)
	if vValue.Kind() != reflect.Ptr || vValue.IsNil() {
		return ErrInvalidReceiver
	}

	if e.Data == nil {
		return ErrInvalidPayload
	}

	payloadValue := reflect.ValueOf(e.Data)
	if payloadValue.Type() == vValue.Elem().Type() {
		vValue.Elem().Set(payloadValue)
		return nil
	}
	if payloadValue.Kind() == reflect.Ptr && payloadValue.Type() == vValue.Type() {
		vValue.Elem().Set(payloadValue.Elem())
		return nil
	}

	raw, err := e.MarshalPayload()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrInvalidPayload, err)
	}

	return nil
}

// Clone creates a copy of the event
func (e *Event) Clone() *Event {
	clone := *e
	clone.Metadata = e.Metadata.Clone()
	return &clone
}
