package infrastructure

import (
	"context"
	"strings"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	_ events.Publisher  = (*RedisStreamPublisher)(nil)
	_ events.Subscriber = (*RedisStreamSubscriber)(nil)
)

const (
	streamDataField = "data"
	dlqSuffix       = ":dlq"
)

// StreamName is the Redis stream that carries topic
func StreamName(prefix string, topic events.Topic) string {
	if prefix == "" {
		return topic.String()
	}
	return prefix + ":" + topic.String()
}

// RedisStreamPublisher appends each event to the stream of its topic
type RedisStreamPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisStreamPublisher(client *redis.Client, prefix string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, prefix: prefix}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	pipe := p.client.TxPipeline()
	for _, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrap(err, "failed to marshal event")
		}

		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamName(p.prefix, event.Topic),
			Values: map[string]interface{}{
				streamDataField:        string(body),
				TopicAttribute:         event.Topic.String(),
				CorrelationIDAttribute: event.CorrelationID.String(),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to append events to redis streams")
	}

	return nil
}

type RedisConsumerOptions struct {
	Group    string
	Consumer string
	// BatchSize is the number of entries read per stream and call
	BatchSize int
	// BlockTime bounds XREADGROUP; a negative value polls without blocking
	BlockTime time.Duration
	// ClaimMinIdle is how long an entry stays pending before another consumer may claim it
	ClaimMinIdle time.Duration
	// MaxRetries moves an entry to the dead letter stream after that many deliveries
	MaxRetries           int
	PendingCheckInterval time.Duration
}

var DefaultRedisConsumerOptions = RedisConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	ClaimMinIdle:         30 * time.Second,
	MaxRetries:           5,
	PendingCheckInterval: 30 * time.Second,
}

// RedisStreamSubscriber consumes topic streams through a consumer group.
// Entries are acknowledged only after the handler succeeded; failed entries
// stay pending and are claimed again once idle for ClaimMinIdle.
type RedisStreamSubscriber struct {
	client *redis.Client
	prefix string
	opts   RedisConsumerOptions
	logger zerolog.Logger
}

func NewRedisStreamSubscriber(client *redis.Client, prefix string, opts RedisConsumerOptions, logger zerolog.Logger) *RedisStreamSubscriber {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultRedisConsumerOptions.BatchSize
	}
	if opts.BlockTime == 0 {
		opts.BlockTime = DefaultRedisConsumerOptions.BlockTime
	}
	if opts.PendingCheckInterval <= 0 {
		opts.PendingCheckInterval = DefaultRedisConsumerOptions.PendingCheckInterval
	}

	return &RedisStreamSubscriber{
		client: client,
		prefix: prefix,
		opts:   opts,
		logger: logger.With().
			Str("component", "redis-subscriber").
			Str("group", opts.Group).
			Str("consumer", opts.Consumer).
			Logger(),
	}
}

// Subscribe consumes the streams of topics until ctx is cancelled. Topics
// must be concrete names since every topic has its own stream.
func (s *RedisStreamSubscriber) Subscribe(ctx context.Context, handler events.EventHandler, topics ...events.Topic) error {
	if err := s.EnsureGroups(ctx, topics...); err != nil {
		return err
	}

	if _, err := s.ReclaimPending(ctx, handler, topics...); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("failed to process pending entries")
	}

	pendingTicker := time.NewTicker(s.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pendingTicker.C:
			if _, err := s.ReclaimPending(ctx, handler, topics...); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("failed to process pending entries")
			}
		default:
		}

		if _, err := s.Poll(ctx, handler, topics...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to read streams")
			sleep(ctx, time.Second)
		}
	}
}

// EnsureGroups creates the consumer group on every topic stream
func (s *RedisStreamSubscriber) EnsureGroups(ctx context.Context, topics ...events.Topic) error {
	for _, topic := range topics {
		if strings.ContainsAny(topic.String(), "*#") {
			return errors.Wrapf(events.ErrInvalidTopic, "redis streams need concrete topics, got %q", topic)
		}

		err := s.client.XGroupCreateMkStream(ctx, StreamName(s.prefix, topic), s.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return errors.Wrapf(err, "failed to create consumer group on %s", topic)
		}
	}
	return nil
}

// Poll reads one batch of new entries and returns how many were handled successfully
func (s *RedisStreamSubscriber) Poll(ctx context.Context, handler events.EventHandler, topics ...events.Topic) (int, error) {
	streams := make([]string, 0, len(topics)*2)
	for _, topic := range topics {
		streams = append(streams, StreamName(s.prefix, topic))
	}
	for range topics {
		streams = append(streams, ">")
	}

	results, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  streams,
		Count:    int64(s.opts.BatchSize),
		Block:    s.opts.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "xreadgroup")
	}

	handled := 0
	for _, result := range results {
		for _, message := range result.Messages {
			if s.process(ctx, handler, result.Stream, message) {
				handled++
			}
		}
	}

	return handled, nil
}

// ReclaimPending claims entries idle for ClaimMinIdle, retries them and moves
// entries delivered more than MaxRetries times to the dead letter stream.
func (s *RedisStreamSubscriber) ReclaimPending(ctx context.Context, handler events.EventHandler, topics ...events.Topic) (int, error) {
	handled := 0

	for _, topic := range topics {
		stream := StreamName(s.prefix, topic)

		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  s.opts.Group,
			Start:  "-",
			End:    "+",
			Count:  int64(s.opts.BatchSize),
		}).Result()
		if err != nil {
			return handled, errors.Wrap(err, "xpending")
		}

		ids := make([]string, 0, len(pending))
		exhausted := make(map[string]int64)
		for _, p := range pending {
			if p.Idle < s.opts.ClaimMinIdle {
				continue
			}
			ids = append(ids, p.ID)
			if s.opts.MaxRetries > 0 && p.RetryCount > int64(s.opts.MaxRetries) {
				exhausted[p.ID] = p.RetryCount
			}
		}
		if len(ids) == 0 {
			continue
		}

		messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			MinIdle:  s.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return handled, errors.Wrap(err, "xclaim")
		}

		for _, message := range messages {
			if deliveries, ok := exhausted[message.ID]; ok {
				s.deadLetter(ctx, stream, message, deliveries)
				continue
			}
			if s.process(ctx, handler, stream, message) {
				handled++
			}
		}
	}

	return handled, nil
}

func (s *RedisStreamSubscriber) process(ctx context.Context, handler events.EventHandler, stream string, message redis.XMessage) bool {
	logger := s.logger.With().Str("stream", stream).Str("entry_id", message.ID).Logger()

	raw, _ := message.Values[streamDataField].(string)
	event, err := events.FromJSON([]byte(raw))
	if err != nil {
		logger.Error().Err(err).Msg("dropping malformed stream entry")
		s.ack(ctx, stream, message.ID, logger)
		return false
	}

	event.Metadata.Set("redis_stream", stream)
	event.Metadata.Set("redis_entry_id", message.ID)

	eventCtx := logger.With().Str("topic", event.Topic.String()).Logger().WithContext(ctx)
	if err := handler.Handle(eventCtx, event); err != nil {
		logger.Warn().Err(err).Msg("handler failed, entry left pending")
		return false
	}

	s.ack(ctx, stream, message.ID, logger)
	return true
}

func (s *RedisStreamSubscriber) ack(ctx context.Context, stream, id string, logger zerolog.Logger) {
	if err := s.client.XAck(ctx, stream, s.opts.Group, id).Err(); err != nil {
		logger.Error().Err(err).Msg("xack failed")
	}
}

func (s *RedisStreamSubscriber) deadLetter(ctx context.Context, stream string, message redis.XMessage, deliveries int64) {
	logger := s.logger.With().Str("stream", stream).Str("entry_id", message.ID).Int64("deliveries", deliveries).Logger()

	values := make(map[string]interface{}, len(message.Values)+1)
	for k, v := range message.Values {
		values[k] = v
	}
	values["source_id"] = message.ID

	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: stream + dlqSuffix, Values: values}).Err(); err != nil {
		logger.Error().Err(err).Msg("failed to move entry to dead letter stream")
		return
	}

	logger.Error().Msg("entry exceeded max deliveries, moved to dead letter stream")
	s.ack(ctx, stream, message.ID, logger)
}
