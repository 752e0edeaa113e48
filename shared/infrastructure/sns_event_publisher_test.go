package infrastructure

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	mu      sync.Mutex
	batches []*sns.PublishBatchInput
	failed  []types.BatchResultErrorEntry
	err     error
}

func (f *fakeSNS) PublishBatch(_ context.Context, params *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, params)
	return &sns.PublishBatchOutput{Failed: f.failed}, nil
}

func testEvents(n int) []*events.Event {
	evts := make([]*events.Event, n)
	for i := range evts {
		id := models.GenerateUUID()
		evts[i] = events.NewEvent(id, events.ReserveStockTopic, events.ReserveStockData{OrderID: id, CorrelationID: id}).
			WithCorrelationID(id).
			WithMetadata("causation_id", "cmd-1").
			WithMetadata(SQSReceiptHandleKey, "handle")
	}
	return evts
}

func TestSNSEventPublisher_Publish(t *testing.T) {
	client := &fakeSNS{}
	publisher := NewSNSEventPublisher(client, "arn:aws:sns:us-east-1:000000000000:order-saga")

	evts := testEvents(12)
	require.NoError(t, publisher.Publish(context.Background(), evts...))

	require.Len(t, client.batches, 2)
	total := 0
	for _, batch := range client.batches {
		assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:order-saga", aws.ToString(batch.TopicArn))
		total += len(batch.PublishBatchRequestEntries)
	}
	assert.Equal(t, 12, total)

	entry := client.batches[0].PublishBatchRequestEntries[0]
	assert.Equal(t, "stock.reserve.requested", aws.ToString(entry.MessageAttributes[TopicAttribute].StringValue))
	assert.Equal(t, "cmd-1", aws.ToString(entry.MessageAttributes["causation_id"].StringValue))
	assert.NotContains(t, entry.MessageAttributes, SQSReceiptHandleKey)

	decoded, err := events.FromJSON([]byte(aws.ToString(entry.Message)))
	require.NoError(t, err)
	assert.Equal(t, aws.ToString(entry.Id), decoded.ID.String())
}

func TestSNSEventPublisher_Errors(t *testing.T) {
	t.Run("nothing to publish", func(t *testing.T) {
		client := &fakeSNS{}
		require.NoError(t, NewSNSEventPublisher(client, "arn").Publish(context.Background()))
		assert.Empty(t, client.batches)
	})

	t.Run("client failure", func(t *testing.T) {
		client := &fakeSNS{err: errors.New("throttled")}
		err := NewSNSEventPublisher(client, "arn").Publish(context.Background(), testEvents(1)...)
		assert.ErrorContains(t, err, "throttled")
	})

	t.Run("rejected entries", func(t *testing.T) {
		client := &fakeSNS{failed: []types.BatchResultErrorEntry{{Id: aws.String("1"), Message: aws.String("invalid attribute")}}}
		err := NewSNSEventPublisher(client, "arn").Publish(context.Background(), testEvents(2)...)
		assert.ErrorContains(t, err, "sns rejected 1 of 2 messages")
	})
}

func TestSplitToChunks(t *testing.T) {
	chunks := splitToChunks([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks)
	assert.Empty(t, splitToChunks([]int{}, 10))
}
