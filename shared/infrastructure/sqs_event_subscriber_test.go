package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu         sync.Mutex
	queue      []types.Message
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	n := min(int(params.MaxNumberOfMessages), len(f.queue))
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	f.mu.Unlock()

	if n == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) acknowledged() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted) + len(f.visibility)
}

func sqsMessageFor(t *testing.T, handle string, event *events.Event, viaSNS bool) types.Message {
	t.Helper()
	body, err := event.ToJSON()
	require.NoError(t, err)

	if viaSNS {
		body, err = json.Marshal(snsNotification{Type: "Notification", Message: string(body)})
		require.NoError(t, err)
	}

	return types.Message{
		MessageId:     aws.String("msg-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(string(body)),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "3",
		},
	}
}

func TestSQSEventSubscriber_Subscribe(t *testing.T) {
	id := models.GenerateUUID()
	ok := events.NewEvent(id, events.StockReservedTopic, events.StockReservedData{OrderID: id}).WithCorrelationID(id)
	failing := events.NewEvent(id, events.PaymentFailedTopic, events.PaymentFailedData{OrderID: id}).WithCorrelationID(id)
	unsubscribed := events.NewEvent(id, events.ReserveStockTopic, nil)

	client := &fakeSQS{
		visibility: make(map[string]int32),
		queue: []types.Message{
			sqsMessageFor(t, "ok", ok, true),
			sqsMessageFor(t, "failing", failing, false),
			sqsMessageFor(t, "unsubscribed", unsubscribed, false),
			{MessageId: aws.String("msg-poison"), ReceiptHandle: aws.String("poison"), Body: aws.String("not json")},
		},
	}

	var mu sync.Mutex
	var handled []events.Topic
	handler := events.EventHandlerFunc(func(_ context.Context, event *events.Event) error {
		mu.Lock()
		handled = append(handled, event.Topic)
		mu.Unlock()

		if receipt, _ := event.Metadata.Get(SQSReceiptHandleKey); receipt == "failing" {
			return errors.New("store unavailable")
		}
		return nil
	})

	subscriber := NewSQSEventSubscriber(client, "http://localhost:4566/000000000000/order-saga", zerolog.Nop(), WithWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- subscriber.Subscribe(ctx, handler, events.StockReservedTopic, events.PaymentFailedTopic)
	}()

	assert.Eventually(t, func() bool { return client.acknowledged() == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.ElementsMatch(t, []events.Topic{events.StockReservedTopic, events.PaymentFailedTopic}, handled)
	mu.Unlock()

	assert.ElementsMatch(t, []string{"ok", "unsubscribed", "poison"}, client.deleted)
	assert.Equal(t, map[string]int32{"failing": 60}, client.visibility)
}

func TestSQSEventSubscriber_Backoff(t *testing.T) {
	subscriber := NewSQSEventSubscriber(&fakeSQS{}, "queue", zerolog.Nop())

	tests := []struct {
		receiveCount string
		expected     int32
	}{
		{receiveCount: "", expected: 30},
		{receiveCount: "2", expected: 30},
		{receiveCount: "3", expected: 60},
		{receiveCount: "7", expected: 90},
		{receiveCount: "100", expected: 900},
	}

	for _, tt := range tests {
		t.Run("receive count "+tt.receiveCount, func(t *testing.T) {
			message := types.Message{Attributes: map[string]string{
				string(types.MessageSystemAttributeNameApproximateReceiveCount): tt.receiveCount,
			}}
			assert.Equal(t, tt.expected, subscriber.backoff(message))
		})
	}
}

func TestDecodeSQSMessage(t *testing.T) {
	id := models.GenerateUUID()
	event := events.NewEvent(id, events.ShippingArrangedTopic, events.ShippingArrangedData{OrderID: id, TrackingNumber: "TRK-1"})
	message := sqsMessageFor(t, "handle-1", event, true)
	message.MessageAttributes = map[string]types.MessageAttributeValue{
		"causation_id": {DataType: aws.String("String"), StringValue: aws.String("cmd-1")},
	}

	decoded, err := decodeSQSMessage(message)
	require.NoError(t, err)

	assert.Equal(t, event.ID, decoded.ID)
	receipt, _ := decoded.Metadata.Get(SQSReceiptHandleKey)
	assert.Equal(t, "handle-1", receipt)
	count, _ := decoded.Metadata.Get(SQSReceiveCountKey)
	assert.Equal(t, "3", count)
	causation, _ := decoded.Metadata.Get("causation_id")
	assert.Equal(t, "cmd-1", causation)

	var data events.ShippingArrangedData
	require.NoError(t, decoded.UnmarshalPayload(&data))
	assert.Equal(t, "TRK-1", data.TrackingNumber)
}
