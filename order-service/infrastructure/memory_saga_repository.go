package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/outbox"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
)

var (
	_ domain.SagaRepository = (*MemorySagaRepository)(nil)
	_ outbox.Store          = (*MemorySagaRepository)(nil)
)

type memoryClaim struct {
	owner string
	until time.Time
}

// MemorySagaRepository keeps sagas and their outbox in process memory. It is
// used for local runs without a database and by tests. Save and staging are
// atomic under one lock.
type MemorySagaRepository struct {
	mu     sync.Mutex
	sagas  map[models.ID]*domain.OrderSaga
	orders map[models.ID]models.ID
	outbox map[models.ID]*outbox.Record
	claims map[models.ID]memoryClaim
	clock  func() time.Time
}

// NewMemorySagaRepository creates a new MemorySagaRepository
func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{
		sagas:  make(map[models.ID]*domain.OrderSaga),
		orders: make(map[models.ID]models.ID),
		outbox: make(map[models.ID]*outbox.Record),
		claims: make(map[models.ID]memoryClaim),
		clock:  time.Now,
	}
}

// WithClock replaces the time source used for claim leases
func (r *MemorySagaRepository) WithClock(clock func() time.Time) *MemorySagaRepository {
	r.clock = clock
	return r
}

func (r *MemorySagaRepository) Save(_ context.Context, s *domain.OrderSaga, outbound []*events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.sagas[s.CorrelationID]
	switch {
	case s.Version.IsNew() && exists:
		return errors.Wrapf(saga.ErrConcurrencyConflict, "saga %s already exists", s.CorrelationID)
	case !s.Version.IsNew() && (!exists || stored.Version.Value != s.Version.Previous()):
		return errors.Wrapf(saga.ErrConcurrencyConflict, "saga %s is no longer at version %d", s.CorrelationID, s.Version.Previous())
	}

	if owner, taken := r.orders[s.OrderID]; taken && owner != s.CorrelationID {
		return errors.Wrapf(domain.ErrDuplicateOrder, "order %s is owned by saga %s", s.OrderID, owner)
	}

	r.sagas[s.CorrelationID] = s.Clone()
	r.orders[s.OrderID] = s.CorrelationID
	for _, event := range outbound {
		r.outbox[event.ID] = outbox.NewRecord(s.CorrelationID, s.Version.Value, event.Clone())
	}

	return nil
}

func (r *MemorySagaRepository) FindByCorrelationID(_ context.Context, correlationID models.ID) (*domain.OrderSaga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sagas[correlationID]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (r *MemorySagaRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.OrderSaga, error) {
	r.mu.Lock()
	correlationID, ok := r.orders[orderID]
	r.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return r.FindByCorrelationID(ctx, correlationID)
}

func (r *MemorySagaRepository) ListRecent(_ context.Context, limit int) ([]*domain.OrderSaga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sagas := make([]*domain.OrderSaga, 0, len(r.sagas))
	for _, s := range r.sagas {
		sagas = append(sagas, s.Clone())
	}
	sort.Slice(sagas, func(i, j int) bool {
		return sagas[i].Timestamps.CreatedAt.After(sagas[j].Timestamps.CreatedAt)
	})

	if limit > 0 && len(sagas) > limit {
		sagas = sagas[:limit]
	}
	return sagas, nil
}

func (r *MemorySagaRepository) Claim(_ context.Context, owner string, limit int, lease time.Duration) ([]*outbox.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	available := make([]*outbox.Record, 0, len(r.outbox))
	for id, record := range r.outbox {
		if claim, held := r.claims[id]; held && claim.until.After(now) {
			continue
		}
		available = append(available, record)
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].CreatedAt.Before(available[j].CreatedAt)
	})

	if limit > 0 && len(available) > limit {
		available = available[:limit]
	}

	claimed := make([]*outbox.Record, 0, len(available))
	for _, record := range available {
		r.claims[record.ID] = memoryClaim{owner: owner, until: now.Add(lease)}
		copied := *record
		copied.Event = record.Event.Clone()
		claimed = append(claimed, &copied)
	}

	return claimed, nil
}

func (r *MemorySagaRepository) Delete(_ context.Context, owner string, id models.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.holds(owner, id) {
		return outbox.ErrLeaseLost
	}
	delete(r.outbox, id)
	delete(r.claims, id)
	return nil
}

func (r *MemorySagaRepository) Release(_ context.Context, owner string, id models.ID, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.holds(owner, id) {
		return outbox.ErrLeaseLost
	}

	record := r.outbox[id]
	record.Attempts++
	if cause != nil {
		msg := cause.Error()
		record.LastError = &msg
	}
	delete(r.claims, id)
	return nil
}

// Pending returns the records not yet published, oldest first
func (r *MemorySagaRepository) Pending() []*outbox.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*outbox.Record, 0, len(r.outbox))
	for _, record := range r.outbox {
		copied := *record
		records = append(records, &copied)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

func (r *MemorySagaRepository) Ping(context.Context) error {
	return nil
}

func (r *MemorySagaRepository) holds(owner string, id models.ID) bool {
	if _, ok := r.outbox[id]; !ok {
		return false
	}
	claim, ok := r.claims[id]
	return ok && claim.owner == owner
}
