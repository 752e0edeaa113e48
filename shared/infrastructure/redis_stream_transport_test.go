package infrastructure

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "order-saga"

func newRedisTransport(t *testing.T, maxRetries int) (*redis.Client, *RedisStreamPublisher, *RedisStreamSubscriber) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	subscriber := NewRedisStreamSubscriber(client, testPrefix, RedisConsumerOptions{
		Group:        "order-service",
		Consumer:     "order-service-1",
		BlockTime:    -1,
		ClaimMinIdle: 0,
		MaxRetries:   maxRetries,
	}, zerolog.Nop())

	return client, NewRedisStreamPublisher(client, testPrefix), subscriber
}

type countingHandler struct {
	mu       sync.Mutex
	handled  []*events.Event
	failures int
}

func (h *countingHandler) Handle(_ context.Context, event *events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, event)
	if h.failures != 0 {
		h.failures--
		return errors.New("store unavailable")
	}
	return nil
}

func stockReserved() *events.Event {
	id := models.GenerateUUID()
	return events.NewEvent(id, events.StockReservedTopic, events.StockReservedData{OrderID: id, CorrelationID: id, ProductName: "Laptop"}).
		WithCorrelationID(id)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "order-saga:stock.reserved", StreamName("order-saga", events.StockReservedTopic))
	assert.Equal(t, "stock.reserved", StreamName("", events.StockReservedTopic))
}

func TestRedisStreams_PublishAndPoll(t *testing.T) {
	ctx := context.Background()
	client, publisher, subscriber := newRedisTransport(t, 5)
	topics := []events.Topic{events.StockReservedTopic, events.PaymentFailedTopic}
	require.NoError(t, subscriber.EnsureGroups(ctx, topics...))

	reserved := stockReserved()
	id := models.GenerateUUID()
	failed := events.NewEvent(id, events.PaymentFailedTopic, events.PaymentFailedData{OrderID: id, Reason: "Card declined"}).WithCorrelationID(id)
	require.NoError(t, publisher.Publish(ctx, reserved, failed))

	handler := &countingHandler{}
	handled, err := subscriber.Poll(ctx, handler, topics...)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)

	require.Len(t, handler.handled, 2)
	ids := []models.ID{handler.handled[0].ID, handler.handled[1].ID}
	assert.ElementsMatch(t, []models.ID{reserved.ID, failed.ID}, ids)
	stream, _ := handler.handled[0].Metadata.Get("redis_stream")
	assert.Contains(t, []string{"order-saga:stock.reserved", "order-saga:payment.failed"}, stream)

	pending, err := client.XPending(ctx, StreamName(testPrefix, events.StockReservedTopic), "order-service").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	handled, err = subscriber.Poll(ctx, handler, topics...)
	require.NoError(t, err)
	assert.Zero(t, handled)
}

func TestRedisStreams_FailedEntryIsRedelivered(t *testing.T) {
	ctx := context.Background()
	client, publisher, subscriber := newRedisTransport(t, 5)
	require.NoError(t, subscriber.EnsureGroups(ctx, events.StockReservedTopic))
	require.NoError(t, publisher.Publish(ctx, stockReserved()))

	handler := &countingHandler{failures: 1}
	handled, err := subscriber.Poll(ctx, handler, events.StockReservedTopic)
	require.NoError(t, err)
	assert.Zero(t, handled)

	handled, err = subscriber.ReclaimPending(ctx, handler, events.StockReservedTopic)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	require.Len(t, handler.handled, 2)
	assert.Equal(t, handler.handled[0].ID, handler.handled[1].ID)

	pending, err := client.XPending(ctx, StreamName(testPrefix, events.StockReservedTopic), "order-service").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisStreams_ExhaustedEntryMovesToDeadLetterStream(t *testing.T) {
	ctx := context.Background()
	client, publisher, subscriber := newRedisTransport(t, 1)
	require.NoError(t, subscriber.EnsureGroups(ctx, events.StockReservedTopic))
	require.NoError(t, publisher.Publish(ctx, stockReserved()))

	handler := &countingHandler{failures: -1}
	_, err := subscriber.Poll(ctx, handler, events.StockReservedTopic)
	require.NoError(t, err)
	_, err = subscriber.ReclaimPending(ctx, handler, events.StockReservedTopic)
	require.NoError(t, err)
	_, err = subscriber.ReclaimPending(ctx, handler, events.StockReservedTopic)
	require.NoError(t, err)

	assert.Len(t, handler.handled, 2)

	stream := StreamName(testPrefix, events.StockReservedTopic)
	dead, err := client.XRange(ctx, stream+dlqSuffix, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.NotEmpty(t, dead[0].Values["source_id"])

	pending, err := client.XPending(ctx, stream, "order-service").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisStreams_MalformedEntryIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	client, _, subscriber := newRedisTransport(t, 5)
	require.NoError(t, subscriber.EnsureGroups(ctx, events.StockReservedTopic))

	stream := StreamName(testPrefix, events.StockReservedTopic)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]interface{}{streamDataField: "not json"}}).Err())

	handler := &countingHandler{}
	handled, err := subscriber.Poll(ctx, handler, events.StockReservedTopic)
	require.NoError(t, err)
	assert.Zero(t, handled)
	assert.Empty(t, handler.handled)

	pending, err := client.XPending(ctx, stream, "order-service").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisStreams_EnsureGroups(t *testing.T) {
	ctx := context.Background()
	_, _, subscriber := newRedisTransport(t, 5)

	require.NoError(t, subscriber.EnsureGroups(ctx, events.StockReservedTopic))
	require.NoError(t, subscriber.EnsureGroups(ctx, events.StockReservedTopic))
	assert.ErrorIs(t, subscriber.EnsureGroups(ctx, "stock.*"), events.ErrInvalidTopic)
}
