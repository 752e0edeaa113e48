package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/outbox"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSaga(version int, createdAt time.Time) *domain.OrderSaga {
	id := models.GenerateUUID()
	return &domain.OrderSaga{
		CorrelationID: id,
		OrderID:       id,
		CustomerEmail: "jane@example.com",
		ProductName:   "Laptop",
		Quantity:      1,
		TotalAmount:   models.NewMoney(1000, "USD"),
		CurrentState:  domain.StateSubmitted,
		Timestamps:    models.NewTimestamps(createdAt),
		Version:       models.Version{Value: version},
	}
}

func outboundEvent(s *domain.OrderSaga, topic events.Topic, at time.Time) *events.Event {
	e := events.NewEvent(s.OrderID, topic, map[string]string{"order_id": s.OrderID.String()}).WithCorrelationID(s.CorrelationID)
	e.Timestamp = at
	return e
}

func TestMemorySagaRepository_OptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySagaRepository()
	s := newSaga(1, baseTime)

	require.NoError(t, repo.Save(ctx, s, nil))

	t.Run("second insert conflicts", func(t *testing.T) {
		err := repo.Save(ctx, s, nil)
		assert.True(t, errors.Is(err, saga.ErrConcurrencyConflict))
	})

	t.Run("update from the stored version succeeds", func(t *testing.T) {
		next := s.Clone()
		next.Version = next.Version.Next()
		next.CurrentState = domain.StateStockReserved
		require.NoError(t, repo.Save(ctx, next, nil))

		stored, err := repo.FindByCorrelationID(ctx, s.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateStockReserved, stored.CurrentState)
		assert.Equal(t, 2, stored.Version.Value)
	})

	t.Run("stale update conflicts and stages nothing", func(t *testing.T) {
		stale := s.Clone()
		stale.Version = stale.Version.Next()
		stale.CurrentState = domain.StateFailed

		err := repo.Save(ctx, stale, []*events.Event{outboundEvent(stale, events.OrderFailedTopic, baseTime)})

		assert.True(t, errors.Is(err, saga.ErrConcurrencyConflict))
		assert.Empty(t, repo.Pending())
	})

	t.Run("update of unknown saga conflicts", func(t *testing.T) {
		err := repo.Save(ctx, newSaga(2, baseTime), nil)
		assert.True(t, errors.Is(err, saga.ErrConcurrencyConflict))
	})
}

func TestMemorySagaRepository_OrderIDOwnedByAnotherSaga(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySagaRepository()
	first := newSaga(1, baseTime)
	require.NoError(t, repo.Save(ctx, first, nil))

	second := newSaga(1, baseTime)
	second.OrderID = first.OrderID

	err := repo.Save(ctx, second, []*events.Event{outboundEvent(second, events.ReserveStockTopic, baseTime)})

	assert.True(t, errors.Is(err, domain.ErrDuplicateOrder), err)
	assert.False(t, errors.Is(err, saga.ErrConcurrencyConflict))
	assert.Empty(t, repo.Pending())

	stored, err := repo.FindByOrderID(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, stored.CorrelationID)
}

func TestMemorySagaRepository_FindReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySagaRepository()
	s := newSaga(1, baseTime)
	require.NoError(t, repo.Save(ctx, s, nil))

	found, err := repo.FindByOrderID(ctx, s.OrderID)
	require.NoError(t, err)
	found.CurrentState = domain.StateFailed

	again, err := repo.FindByCorrelationID(ctx, s.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, again.CurrentState)

	missing, err := repo.FindByOrderID(ctx, models.GenerateUUID())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemorySagaRepository_ListRecent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySagaRepository()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Save(ctx, newSaga(1, baseTime.Add(time.Duration(i)*time.Minute)), nil))
	}

	sagas, err := repo.ListRecent(ctx, 2)

	require.NoError(t, err)
	require.Len(t, sagas, 2)
	assert.Equal(t, baseTime.Add(2*time.Minute), sagas[0].Timestamps.CreatedAt)
	assert.Equal(t, baseTime.Add(time.Minute), sagas[1].Timestamps.CreatedAt)
}

func TestMemorySagaRepository_OutboxLeases(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	repo := NewMemorySagaRepository().WithClock(func() time.Time { return now })

	s := newSaga(1, baseTime)
	first := outboundEvent(s, events.ReserveStockTopic, baseTime)
	second := outboundEvent(s, events.OrderFailedTopic, baseTime.Add(time.Second))
	require.NoError(t, repo.Save(ctx, s, []*events.Event{second, first}))

	claimed, err := repo.Claim(ctx, "relay-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)

	t.Run("held leases are skipped", func(t *testing.T) {
		others, err := repo.Claim(ctx, "relay-b", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, others)
	})

	t.Run("release records the failure", func(t *testing.T) {
		require.NoError(t, repo.Release(ctx, "relay-a", second.ID, errors.New("sns throttled")))

		pending := repo.Pending()
		require.Len(t, pending, 2)
		assert.Equal(t, 1, pending[1].Attempts)
		require.NotNil(t, pending[1].LastError)
		assert.Equal(t, "sns throttled", *pending[1].LastError)
	})

	t.Run("expired leases are reclaimed", func(t *testing.T) {
		now = now.Add(2 * time.Minute)

		reclaimed, err := repo.Claim(ctx, "relay-b", 10, time.Minute)
		require.NoError(t, err)
		assert.Len(t, reclaimed, 2)

		assert.True(t, errors.Is(repo.Delete(ctx, "relay-a", first.ID), outbox.ErrLeaseLost))
		require.NoError(t, repo.Delete(ctx, "relay-b", first.ID))
		assert.Len(t, repo.Pending(), 1)
	})
}
