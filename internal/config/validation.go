package config

import (
	"errors"
	"fmt"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Delivery.MaxRetries <= 0 {
		c.Delivery.MaxRetries = 10
	}
	if c.Payment.AmountCeiling <= 0 {
		c.Payment.AmountCeiling = 100000
	}

	if c.Auth.SharedSecret == "" {
		return errors.New("auth.shared_secret is required (set POSLINK_SHARED_SECRET)")
	}
	if len(c.Auth.SharedSecret) < 16 {
		return errors.New("auth.shared_secret must be at least 16 characters")
	}

	if c.Server.PortRangeStart <= 0 || c.Server.PortRangeStart > 65535 {
		return fmt.Errorf("server.port_range_start %d is out of range", c.Server.PortRangeStart)
	}
	if c.Server.PortRangeEnd < c.Server.PortRangeStart {
		return fmt.Errorf("server.port_range_end %d is below port_range_start %d",
			c.Server.PortRangeEnd, c.Server.PortRangeStart)
	}
	if c.Server.PortRangeEnd > 65535 {
		return fmt.Errorf("server.port_range_end %d is out of range", c.Server.PortRangeEnd)
	}

	if c.Auth.HandshakeTimeout.Duration <= 0 {
		return errors.New("auth.handshake_timeout must be positive")
	}
	if c.Delivery.RetryInterval.Duration <= 0 {
		return errors.New("delivery.retry_interval must be positive")
	}
	if c.Health.ConnectionTimeout.Duration < c.Health.CheckInterval.Duration {
		return errors.New("health.connection_timeout must not be shorter than health.check_interval")
	}

	return nil
}
