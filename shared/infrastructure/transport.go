package infrastructure

import (
	"context"

	"github.com/draftea/order-saga/shared/config"
	"github.com/draftea/order-saga/shared/events"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Transport is the publisher and subscriber pair selected by transport.driver
type Transport struct {
	Driver     string
	Publisher  events.Publisher
	Subscriber events.Subscriber
	closers    []func() error
}

// TransportConfig groups the sections NewTransport reads
type TransportConfig struct {
	Transport config.Transport
	AWS       config.AWS
	Redis     config.Redis
}

// NewTransport builds the SNS/SQS or Redis Streams transport
func NewTransport(ctx context.Context, cfg TransportConfig, logger zerolog.Logger) (*Transport, error) {
	switch cfg.Transport.Driver {
	case config.TransportSNSSQS, "":
		awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}

		opts := []SQSSubscriberOption{}
		if cfg.AWS.SQSWorkers > 0 {
			opts = append(opts, WithWorkers(cfg.AWS.SQSWorkers))
		}

		return &Transport{
			Driver:     config.TransportSNSSQS,
			Publisher:  NewSNSEventPublisher(NewSNSClient(awsCfg, cfg.AWS), cfg.AWS.SNSTopicArn),
			Subscriber: NewSQSEventSubscriber(NewSQSClient(awsCfg, cfg.AWS), cfg.AWS.SQSQueueURL, logger, opts...),
		}, nil

	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "failed to connect to redis")
		}

		opts := DefaultRedisConsumerOptions
		opts.Group = cfg.Redis.ConsumerGroup
		opts.Consumer = cfg.Redis.ConsumerName
		if cfg.Redis.BlockTime != 0 {
			opts.BlockTime = cfg.Redis.BlockTime
		}
		if cfg.Redis.ClaimMinIdle > 0 {
			opts.ClaimMinIdle = cfg.Redis.ClaimMinIdle
		}
		if cfg.Redis.MaxRetries > 0 {
			opts.MaxRetries = cfg.Redis.MaxRetries
		}

		return &Transport{
			Driver:     config.TransportRedis,
			Publisher:  NewRedisStreamPublisher(client, cfg.Redis.StreamPrefix),
			Subscriber: NewRedisStreamSubscriber(client, cfg.Redis.StreamPrefix, opts, logger),
			closers:    []func() error{client.Close},
		}, nil
	}

	return nil, errors.Errorf("unknown transport driver %q", cfg.Transport.Driver)
}

// Close releases connections held by the transport
func (t *Transport) Close() error {
	var errs []error
	for _, closeFn := range t.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("errors closing transport: %v", errs)
	}
	return nil
}
