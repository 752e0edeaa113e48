// Package outbox relays messages staged atomically with saga writes to the
// message transport. Records are claimed with a lease, published and only then
// deleted, so a relay crash between claim and delete leads to a republish
// once the lease expires and never to a lost message.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
)

// Record is one staged outbound message bound to the saga write that produced it
type Record struct {
	ID            models.ID
	CorrelationID models.ID
	SagaVersion   int
	Topic         events.Topic
	Event         *events.Event
	CreatedAt     time.Time
	Attempts      int
	LastError     *string
}

// NewRecord stages event for the saga write identified by correlationID and version
func NewRecord(correlationID models.ID, version int, event *events.Event) *Record {
	return &Record{
		ID:            event.ID,
		CorrelationID: correlationID,
		SagaVersion:   version,
		Topic:         event.Topic,
		Event:         event,
		CreatedAt:     event.Timestamp,
	}
}

// Store is the relay side of the outbox. Staging happens inside the saga
// store's own transaction and is not part of this interface.
type Store interface {
	// Claim leases up to limit committed records to owner, oldest first,
	// skipping records whose lease is still held by someone else.
	Claim(ctx context.Context, owner string, limit int, lease time.Duration) ([]*Record, error)
	// Delete removes a published record if owner still holds its lease.
	Delete(ctx context.Context, owner string, id models.ID) error
	// Release drops owner's lease and records the publish failure.
	Release(ctx context.Context, owner string, id models.ID, cause error) error
}

// ErrLeaseLost is returned when a record's lease expired and another relay took it over
var ErrLeaseLost = errors.New("outbox: lease lost")
