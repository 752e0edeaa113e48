package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "missing")
	t.Setenv("PORT", "")

	cfg, err := readConfig(viper.New(), []string{t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "fulfillment-service", cfg.ServiceName)
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, Simulation{
		StockFailurePercent:   10,
		PaymentFailurePercent: 20,
		CreditLimit:           500,
		MinDeliveryDays:       3,
		MaxDeliveryDays:       7,
		Latency: Latency{
			ReserveStock:    500 * time.Millisecond,
			ProcessPayment:  800 * time.Millisecond,
			ArrangeShipping: 600 * time.Millisecond,
			ReleaseStock:    300 * time.Millisecond,
		},
	}, cfg.Simulation)
}

func TestReadConfig_ValidatesSimulation(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectedErr string
	}{
		{name: "percent above 100", body: `{"simulation": {"payment_failure_percent": 120}}`, expectedErr: "payment_failure_percent"},
		{name: "negative percent", body: `{"simulation": {"stock_failure_percent": -1}}`, expectedErr: "stock_failure_percent"},
		{name: "inverted delivery window", body: `{"simulation": {"min_delivery_days": 8, "max_delivery_days": 2}}`, expectedErr: "invalid delivery window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "sim.json"), []byte(tt.body), 0o600))
			t.Setenv("ENVIRONMENT", "sim")

			_, err := readConfig(viper.New(), []string{dir})
			assert.ErrorContains(t, err, tt.expectedErr)
		})
	}
}
