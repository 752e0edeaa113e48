// Package config holds the configuration sections shared by every service and
// the viper loading convention: a JSON file named after ENVIRONMENT, overridden
// by prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/spf13/viper"
)

const (
	TransportSNSSQS = "sns-sqs"
	TransportRedis  = "redis"
)

type Database struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns URL when set, otherwise builds one from the individual fields
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

type AWS struct {
	Region      string `mapstructure:"region"`
	EndpointSNS string `mapstructure:"endpoint_sns"`
	EndpointSQS string `mapstructure:"endpoint_sqs"`
	SNSTopicArn string `mapstructure:"sns_topic_arn"`
	SQSQueueURL string `mapstructure:"sqs_queue_url"`
	SQSWorkers  int32  `mapstructure:"sqs_workers"`
}

type Redis struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	StreamPrefix  string        `mapstructure:"stream_prefix"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	ConsumerName  string        `mapstructure:"consumer_name"`
	BlockTime     time.Duration `mapstructure:"block_time"`
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type Transport struct {
	Driver string `mapstructure:"driver"`
	// RetryIntervals are the in-process redelivery delays for transient handler errors
	RetryIntervals []time.Duration `mapstructure:"retry_intervals"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type Logging = telemetry.LogConfig

// Load reads <ENVIRONMENT>.json from dirs into out. A missing file is not an
// error; defaults and environment variables still apply.
func Load(v *viper.Viper, envPrefix string, dirs []string, out interface{}) error {
	v.SetConfigName(Environment())
	v.SetConfigType("json")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// Environment is the config file name, taken from ENVIRONMENT
func Environment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "local"
}

// SetCommonDefaults registers defaults for the shared sections. Unprefixed
// variables such as DATABASE_URL and SNS_TOPIC_ARN are honoured for
// compatibility with existing deployments.
func SetCommonDefaults(v *viper.Viper, serviceName, queueName string) {
	v.SetDefault("service_name", serviceName)
	v.SetDefault("env", GetEnv("ENV", "local"))
	v.SetDefault("port", GetEnv("PORT", "8080"))

	v.SetDefault("database.url", os.Getenv("DATABASE_URL"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "order_saga")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("aws.region", GetEnv("AWS_DEFAULT_REGION", "us-east-1"))
	v.SetDefault("aws.endpoint_sns", GetEnv("AWS_ENDPOINT_URL_SNS", "http://localhost:4566"))
	v.SetDefault("aws.endpoint_sqs", GetEnv("AWS_ENDPOINT_URL_SQS", "http://localhost:4566"))
	v.SetDefault("aws.sns_topic_arn", GetEnv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:order-saga-events"))
	v.SetDefault("aws.sqs_queue_url", GetEnv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/"+queueName))
	v.SetDefault("aws.sqs_workers", 10)

	v.SetDefault("redis.addr", GetEnv("REDIS_ADDR", "localhost:6379"))
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream_prefix", "order-saga")
	v.SetDefault("redis.consumer_group", queueName)
	v.SetDefault("redis.consumer_name", GetEnv("HOSTNAME", serviceName))
	v.SetDefault("redis.block_time", "5s")
	v.SetDefault("redis.claim_min_idle", "30s")
	v.SetDefault("redis.max_retries", 5)

	v.SetDefault("transport.driver", TransportSNSSQS)
	v.SetDefault("transport.retry_intervals", []string{"100ms", "200ms", "500ms", "1s"})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))

	v.SetDefault("logging.level", GetEnv("LOG_LEVEL", "info"))
	v.SetDefault("logging.format", "json")
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
