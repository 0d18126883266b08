package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Payment   PaymentConfig   `yaml:"payment"`
	Health    HealthConfig    `yaml:"health"`
	Kitchen   KitchenConfig   `yaml:"kitchen"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds listener configuration. The listener binds the first free
// port in [PortRangeStart, PortRangeEnd]; exhausting the range is fatal at startup.
type ServerConfig struct {
	PortRangeStart     int      `yaml:"port_range_start"`
	PortRangeEnd       int      `yaml:"port_range_end"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (leave empty to disable protection)
}

// AuthConfig holds the pairing handshake configuration.
type AuthConfig struct {
	SharedSecret     string   `yaml:"shared_secret"`     // HMAC secret shared with paired devices
	ChallengeTTL     Duration `yaml:"challenge_ttl"`     // How long an unconsumed challenge stays valid (default: 30s)
	HandshakeTimeout Duration `yaml:"handshake_timeout"` // Time allowed between AUTH_CHALLENGE and AUTH_RESPONSE (default: 10s)
	SessionTTL       Duration `yaml:"session_ttl"`       // Signed token lifetime (default: 1h)
	CleanupInterval  Duration `yaml:"cleanup_interval"`  // Expired session/challenge sweep interval (default: 1m)
}

// DeliveryConfig holds the guaranteed-delivery queue configuration.
type DeliveryConfig struct {
	RetryInterval  Duration `yaml:"retry_interval"`  // Background resend tick (default: 5s)
	MaxRetries     int      `yaml:"max_retries"`     // Retry ceiling before a message is dropped (default: 10)
	ConfirmTimeout Duration `yaml:"confirm_timeout"` // Default wait for DELIVERY_CONFIRMED (default: 30s)
	MessageTTL     Duration `yaml:"message_ttl"`     // Age at which an unconfirmed message is expired (default: 30m)
	SweepInterval  Duration `yaml:"sweep_interval"`  // Expiry sweep interval (default: 5m)
}

// PaymentConfig holds payment gating configuration.
type PaymentConfig struct {
	LockTimeout     Duration `yaml:"lock_timeout"`      // Stale payment lock takeover threshold (default: 5m)
	AmountCeiling   float64  `yaml:"amount_ceiling"`    // Maximum accepted amount in currency units (default: 100000)
	SupportsNearPay bool     `yaml:"supports_near_pay"` // Advertised to displays in AUTH_SUCCESS
}

// HealthConfig holds connection health sweep configuration.
type HealthConfig struct {
	CheckInterval     Duration `yaml:"check_interval"`     // Sweep interval (default: 30s)
	ConnectionTimeout Duration `yaml:"connection_timeout"` // Staleness threshold before forced close (default: 60s)
}

// KitchenConfig holds the best-effort kitchen backend sync configuration.
// Sync is disabled when SyncURL is empty.
type KitchenConfig struct {
	SyncURL      string            `yaml:"sync_url"`
	SyncInterval Duration          `yaml:"sync_interval"` // How often order snapshots are pushed (default: 30s)
	Timeout      Duration          `yaml:"timeout"`       // Per-request timeout (default: 5s)
	Headers      map[string]string `yaml:"headers"`
	Breaker      BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding the kitchen backend.
type BreakerConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig guards the HTTP surface (upgrade endpoint, status, metrics)
// against runaway clients on the local network.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerWindow int      `yaml:"requests_per_window"` // Requests allowed per IP per window (default: 120)
	Window            Duration `yaml:"window"`              // Time window (default: 1m)
}
