package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/draftea/order-saga/shared/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string           `mapstructure:"service_name"`
	Env         string           `mapstructure:"env"`
	Port        string           `mapstructure:"port"`
	AWS         config.AWS       `mapstructure:"aws"`
	Redis       config.Redis     `mapstructure:"redis"`
	Transport   config.Transport `mapstructure:"transport"`
	Simulation  Simulation       `mapstructure:"simulation"`
	Telemetry   config.Telemetry `mapstructure:"telemetry"`
	Logging     config.Logging   `mapstructure:"logging"`
}

type Simulation struct {
	StockFailurePercent   int     `mapstructure:"stock_failure_percent"`
	PaymentFailurePercent int     `mapstructure:"payment_failure_percent"`
	CreditLimit           float64 `mapstructure:"credit_limit"`
	MinDeliveryDays       int     `mapstructure:"min_delivery_days"`
	MaxDeliveryDays       int     `mapstructure:"max_delivery_days"`
	Latency               Latency `mapstructure:"latency"`
}

type Latency struct {
	ReserveStock    time.Duration `mapstructure:"reserve_stock"`
	ProcessPayment  time.Duration `mapstructure:"process_payment"`
	ArrangeShipping time.Duration `mapstructure:"arrange_shipping"`
	ReleaseStock    time.Duration `mapstructure:"release_stock"`
}

func ReadConfig() (*Config, error) {
	return readConfig(viper.New(), configDirs())
}

func readConfig(v *viper.Viper, dirs []string) (*Config, error) {
	config.SetCommonDefaults(v, "fulfillment-service", "fulfillment-commands")
	v.SetDefault("port", config.GetEnv("PORT", "8081"))

	v.SetDefault("simulation.stock_failure_percent", 10)
	v.SetDefault("simulation.payment_failure_percent", 20)
	v.SetDefault("simulation.credit_limit", 500)
	v.SetDefault("simulation.min_delivery_days", 3)
	v.SetDefault("simulation.max_delivery_days", 7)
	v.SetDefault("simulation.latency.reserve_stock", "500ms")
	v.SetDefault("simulation.latency.process_payment", "800ms")
	v.SetDefault("simulation.latency.arrange_shipping", "600ms")
	v.SetDefault("simulation.latency.release_stock", "300ms")

	var cfg Config
	if err := config.Load(v, "FULFILLMENT", dirs, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Simulation.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (s Simulation) validate() error {
	for name, percent := range map[string]int{
		"stock_failure_percent":   s.StockFailurePercent,
		"payment_failure_percent": s.PaymentFailurePercent,
	} {
		if percent < 0 || percent > 100 {
			return errors.Errorf("simulation.%s must be between 0 and 100, got %d", name, percent)
		}
	}
	if s.MinDeliveryDays < 0 || s.MaxDeliveryDays < s.MinDeliveryDays {
		return errors.Errorf("invalid delivery window %d..%d days", s.MinDeliveryDays, s.MaxDeliveryDays)
	}
	return nil
}

func configDirs() []string {
	dirs := []string{"./fulfillment-service/config", "."}
	if _, filename, _, ok := runtime.Caller(0); ok {
		dirs = append([]string{filepath.Dir(filename)}, dirs...)
	}
	return dirs
}
