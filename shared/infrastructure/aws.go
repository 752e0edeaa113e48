package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/draftea/order-saga/shared/config"
	"github.com/pkg/errors"
)

// LoadAWSConfig loads the default credential chain for the configured region.
// Credentials come from the environment, so LocalStack works with AWS_ACCESS_KEY_ID=test.
func LoadAWSConfig(ctx context.Context, cfg config.AWS) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	return awsCfg, nil
}

// NewSNSClient creates an SNS client honouring a custom endpoint
func NewSNSClient(awsCfg aws.Config, cfg config.AWS) *sns.Client {
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.EndpointSNS != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointSNS)
		}
	})
}

// NewSQSClient creates an SQS client honouring a custom endpoint
func NewSQSClient(awsCfg aws.Config, cfg config.AWS) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointSQS != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointSQS)
		}
	})
}
