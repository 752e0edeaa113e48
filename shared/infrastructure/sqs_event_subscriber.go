package infrastructure

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/order-saga/shared/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var _ events.Subscriber = (*SQSEventSubscriber)(nil)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"
	SQSReceiveCountKey  = "sqs_receive_count"
)

// SQSAPI is the subset of the SQS client the subscriber uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type sqsMessage struct {
	Message types.Message
	Event   *events.Event
	Err     error
}

// snsNotification is the body SQS receives from an SNS subscription without raw delivery
type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// SQSEventSubscriber reads one queue with readers, hands messages to workers and
// lets cleaners acknowledge them. Successful messages are deleted; failed ones
// get a visibility timeout growing with their receive count so SQS redelivers
// them with backoff.
type SQSEventSubscriber struct {
	client   SQSAPI
	queueURL string
	options  *sqsSubscriberOptions
	logger   zerolog.Logger
}

type sqsSubscriberOptions struct {
	workers                        int32
	readers                        int32
	cleaners                       int32
	maxNumberOfMessages            int32
	waitTimeSeconds                int32
	visibilityTimeout              int32
	sleepTimeAfterError            time.Duration
	extendVisibilityTimeoutOnError bool
	receiveCountRange              int32
	visibilityTimeoutOffset        int32
	maxVisibilityTimeout           int32
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithWorkers(workers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		if workers > 0 {
			o.workers = workers
		}
	}
}

func WithReaders(readers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		if readers > 0 {
			o.readers = readers
		}
	}
}

func WithVisibilityTimeout(timeout int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = timeout
	}
}

func WithWaitTimeSeconds(seconds int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.waitTimeSeconds = seconds
	}
}

// NewSQSEventSubscriber creates a new SQS event subscriber
func NewSQSEventSubscriber(client SQSAPI, queueURL string, logger zerolog.Logger, opts ...SQSSubscriberOption) *SQSEventSubscriber {
	options := &sqsSubscriberOptions{
		workers:                        10,
		readers:                        1,
		cleaners:                       2,
		maxNumberOfMessages:            10,
		waitTimeSeconds:                15,
		visibilityTimeout:              30,
		sleepTimeAfterError:            5 * time.Second,
		extendVisibilityTimeoutOnError: true,
		receiveCountRange:              3,
		visibilityTimeoutOffset:        30,
		maxVisibilityTimeout:           900, // 15 minutes
	}

	for _, opt := range opts {
		opt(options)
	}

	return &SQSEventSubscriber{
		client:   client,
		queueURL: queueURL,
		options:  options,
		logger:   logger.With().Str("component", "sqs-subscriber").Str("queue_url", queueURL).Logger(),
	}
}

// Subscribe consumes the queue until ctx is cancelled. Messages whose topic
// matches none of topics are deleted without being handled.
func (s *SQSEventSubscriber) Subscribe(ctx context.Context, handler events.EventHandler, topics ...events.Topic) error {
	if handler == nil {
		return errors.New("no handler configured")
	}

	inbound := make(chan *sqsMessage, s.options.maxNumberOfMessages)
	outbound := make(chan *sqsMessage, s.options.maxNumberOfMessages)

	var readers, workers, cleaners sync.WaitGroup

	for i := 0; i < int(s.options.readers); i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			s.startReader(ctx, inbound, outbound)
		}()
	}

	for i := 0; i < int(s.options.workers); i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.startWorker(ctx, handler, topics, inbound, outbound)
		}()
	}

	for i := 0; i < int(s.options.cleaners); i++ {
		cleaners.Add(1)
		go func() {
			defer cleaners.Done()
			s.startCleaner(outbound)
		}()
	}

	s.logger.Info().Int32("workers", s.options.workers).Msg("sqs subscriber started")

	// Stages shut down in order so every handled message still gets acknowledged.
	readers.Wait()
	close(inbound)
	workers.Wait()
	close(outbound)
	cleaners.Wait()

	s.logger.Info().Msg("sqs subscriber stopped")
	return nil
}

func (s *SQSEventSubscriber) startReader(ctx context.Context, inbound, outbound chan<- *sqsMessage) {
	for ctx.Err() == nil {
		if err := s.read(ctx, inbound, outbound); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sqs receive failed")
			sleep(ctx, s.options.sleepTimeAfterError)
		}
	}
}

func (s *SQSEventSubscriber) startWorker(ctx context.Context, handler events.EventHandler, topics []events.Topic, inbound <-chan *sqsMessage, outbound chan<- *sqsMessage) {
	for message := range inbound {
		if message.Err == nil && subscribed(message.Event.Topic, topics) {
			eventCtx := s.logger.With().
				Str("topic", message.Event.Topic.String()).
				Str("event_id", message.Event.ID.String()).
				Logger().WithContext(context.WithoutCancel(ctx))
			message.Err = handler.Handle(eventCtx, message.Event)
		}
		outbound <- message
	}
}

func (s *SQSEventSubscriber) startCleaner(outbound <-chan *sqsMessage) {
	for message := range outbound {
		// Acknowledgement must outlive the subscription context.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.clean(ctx, message); err != nil {
			s.logger.Error().Err(err).Str("message_id", aws.ToString(message.Message.MessageId)).Msg("sqs acknowledgement failed")
		}
		cancel()
	}
}

func (s *SQSEventSubscriber) read(ctx context.Context, inbound, outbound chan<- *sqsMessage) error {
	output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to receive message from SQS")
	}

	for _, message := range output.Messages {
		event, err := decodeSQSMessage(message)
		if err != nil {
			// Poison messages are deleted; redelivery can never fix them.
			s.logger.Error().Err(err).Str("message_id", aws.ToString(message.MessageId)).Msg("dropping malformed message")
			outbound <- &sqsMessage{Message: message}
			continue
		}

		select {
		case inbound <- &sqsMessage{Message: message, Event: event}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func decodeSQSMessage(message types.Message) (*events.Event, error) {
	body := []byte(aws.ToString(message.Body))

	var notification snsNotification
	if err := json.Unmarshal(body, &notification); err == nil && notification.Type == "Notification" {
		body = []byte(notification.Message)
	}

	event, err := events.FromJSON(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode event")
	}

	event.Metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
	event.Metadata.Set(SQSReceiptHandleKey, aws.ToString(message.ReceiptHandle))
	if count, ok := message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		event.Metadata.Set(SQSReceiveCountKey, count)
	}

	for k, v := range message.MessageAttributes {
		if v.StringValue != nil && !event.Metadata.Has(k) {
			event.Metadata.Set(k, *v.StringValue)
		}
	}

	return event, nil
}

func (s *SQSEventSubscriber) clean(ctx context.Context, message *sqsMessage) error {
	if message.Err != nil {
		if !s.options.extendVisibilityTimeoutOnError {
			return nil
		}

		_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          &s.queueURL,
			ReceiptHandle:     message.Message.ReceiptHandle,
			VisibilityTimeout: s.backoff(message.Message),
		})
		if err != nil {
			return errors.Wrap(err, "failed to extend visibility timeout")
		}
		return nil
	}

	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &s.queueURL,
		ReceiptHandle: message.Message.ReceiptHandle,
	})
	if err != nil {
		return errors.Wrap(err, "failed to delete message from SQS")
	}

	return nil
}

// backoff grows the visibility timeout by one offset every receiveCountRange receives
func (s *SQSEventSubscriber) backoff(message types.Message) int32 {
	receiveCount, err := strconv.Atoi(message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		receiveCount = 1
	}

	visibilityTimeout := s.options.visibilityTimeout
	visibilityTimeout += (int32(receiveCount) / s.options.receiveCountRange) * s.options.visibilityTimeoutOffset

	return min(visibilityTimeout, s.options.maxVisibilityTimeout)
}

func subscribed(topic events.Topic, patterns []events.Topic) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if topic.Matches(pattern) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
