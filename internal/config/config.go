package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			PortRangeStart: 8080,
			PortRangeEnd:   8090,
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 15 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
		},
		Auth: AuthConfig{
			ChallengeTTL:     Duration{Duration: 30 * time.Second},
			HandshakeTimeout: Duration{Duration: 10 * time.Second},
			SessionTTL:       Duration{Duration: time.Hour},
			CleanupInterval:  Duration{Duration: time.Minute},
		},
		Delivery: DeliveryConfig{
			RetryInterval:  Duration{Duration: 5 * time.Second},
			MaxRetries:     10,
			ConfirmTimeout: Duration{Duration: 30 * time.Second},
			MessageTTL:     Duration{Duration: 30 * time.Minute},
			SweepInterval:  Duration{Duration: 5 * time.Minute},
		},
		Payment: PaymentConfig{
			LockTimeout:   Duration{Duration: 5 * time.Minute},
			AmountCeiling: 100000,
		},
		Health: HealthConfig{
			CheckInterval:     Duration{Duration: 30 * time.Second},
			ConnectionTimeout: Duration{Duration: 60 * time.Second},
		},
		Kitchen: KitchenConfig{
			SyncInterval: Duration{Duration: 30 * time.Second},
			Timeout:      Duration{Duration: 5 * time.Second},
			Headers:      make(map[string]string),
			Breaker: BreakerConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 120,
			Window:            Duration{Duration: time.Minute},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
