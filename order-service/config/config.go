package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/draftea/order-saga/shared/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverMemory   = "memory"
)

type Config struct {
	ServiceName string           `mapstructure:"service_name"`
	Env         string           `mapstructure:"env"`
	Port        string           `mapstructure:"port"`
	Database    Database         `mapstructure:"database"`
	AWS         config.AWS       `mapstructure:"aws"`
	Redis       config.Redis     `mapstructure:"redis"`
	Transport   config.Transport `mapstructure:"transport"`
	Saga        Saga             `mapstructure:"saga"`
	Relay       Relay            `mapstructure:"relay"`
	Telemetry   config.Telemetry `mapstructure:"telemetry"`
	Logging     config.Logging   `mapstructure:"logging"`
}

type Database struct {
	config.Database `mapstructure:",squash"`
	// Driver selects the saga store: postgres or memory
	Driver      string `mapstructure:"driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type Saga struct {
	// ConflictRetryIntervals are the waits between attempts after losing an optimistic write
	ConflictRetryIntervals []time.Duration `mapstructure:"conflict_retry_intervals"`
}

type Relay struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Lease        time.Duration `mapstructure:"lease"`
}

func ReadConfig() (*Config, error) {
	return readConfig(viper.New(), configDirs())
}

func readConfig(v *viper.Viper, dirs []string) (*Config, error) {
	config.SetCommonDefaults(v, "order-service", "order-saga-events")

	v.SetDefault("database.driver", DatabaseDriverPostgres)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("saga.conflict_retry_intervals", []string{"10ms", "25ms", "50ms"})
	v.SetDefault("relay.poll_interval", "500ms")
	v.SetDefault("relay.batch_size", 50)
	v.SetDefault("relay.lease", "30s")

	var cfg Config
	if err := config.Load(v, "ORDER", dirs, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DatabaseDriverPostgres, DatabaseDriverMemory:
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Transport.Driver {
	case config.TransportSNSSQS, config.TransportRedis:
	default:
		return errors.Errorf("unknown transport driver %q", c.Transport.Driver)
	}

	return nil
}

func configDirs() []string {
	dirs := []string{"./order-service/config", "."}
	if _, filename, _, ok := runtime.Caller(0); ok {
		dirs = append([]string{filepath.Dir(filename)}, dirs...)
	}
	return dirs
}
