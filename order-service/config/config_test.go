package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/draftea/order-saga/shared/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o600))
	return dir
}

func TestReadConfig_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "missing")

	cfg, err := readConfig(viper.New(), []string{t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "order-service", cfg.ServiceName)
	assert.Equal(t, DatabaseDriverPostgres, cfg.Database.Driver)
	assert.Equal(t, config.TransportSNSSQS, cfg.Transport.Driver)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond}, cfg.Saga.ConflictRetryIntervals)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.PollInterval)
	assert.Equal(t, 50, cfg.Relay.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Relay.Lease)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, "order-saga-events", cfg.Redis.ConsumerGroup)
}

func TestReadConfig_FileAndEnvironment(t *testing.T) {
	dir := writeConfigFile(t, "staging", `{
		"port": "9090",
		"database": {"driver": "memory", "host": "db.internal"},
		"transport": {"driver": "redis", "retry_intervals": ["1s", "5s"]},
		"relay": {"batch_size": 10}
	}`)
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("ORDER_RELAY_LEASE", "1m")

	cfg, err := readConfig(viper.New(), []string{dir})
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DatabaseDriverMemory, cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, config.TransportRedis, cfg.Transport.Driver)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, cfg.Transport.RetryIntervals)
	assert.Equal(t, 10, cfg.Relay.BatchSize)
	assert.Equal(t, time.Minute, cfg.Relay.Lease)
}

func TestReadConfig_RejectsUnknownDrivers(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "database", body: `{"database": {"driver": "mysql"}}`},
		{name: "transport", body: `{"transport": {"driver": "kafka"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfigFile(t, "broken", tt.body)
			t.Setenv("ENVIRONMENT", "broken")

			_, err := readConfig(viper.New(), []string{dir})
			assert.ErrorContains(t, err, "unknown "+tt.name+" driver")
		})
	}
}
