package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use POSLINK_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIntIfEnv(&c.Server.PortRangeStart, "POSLINK_PORT_RANGE_START")
	setIntIfEnv(&c.Server.PortRangeEnd, "POSLINK_PORT_RANGE_END")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "POSLINK_ADMIN_METRICS_API_KEY")

	// Auth config
	setIfEnv(&c.Auth.SharedSecret, "POSLINK_SHARED_SECRET")
	setDurationIfEnv(&c.Auth.ChallengeTTL, "POSLINK_CHALLENGE_TTL")
	setDurationIfEnv(&c.Auth.HandshakeTimeout, "POSLINK_HANDSHAKE_TIMEOUT")
	setDurationIfEnv(&c.Auth.SessionTTL, "POSLINK_SESSION_TTL")

	// Delivery config
	setDurationIfEnv(&c.Delivery.RetryInterval, "POSLINK_DELIVERY_RETRY_INTERVAL")
	setIntIfEnv(&c.Delivery.MaxRetries, "POSLINK_DELIVERY_MAX_RETRIES")
	setDurationIfEnv(&c.Delivery.ConfirmTimeout, "POSLINK_DELIVERY_CONFIRM_TIMEOUT")
	setDurationIfEnv(&c.Delivery.MessageTTL, "POSLINK_DELIVERY_MESSAGE_TTL")

	// Payment config
	setDurationIfEnv(&c.Payment.LockTimeout, "POSLINK_PAYMENT_LOCK_TIMEOUT")
	setBoolIfEnv(&c.Payment.SupportsNearPay, "POSLINK_SUPPORTS_NEAR_PAY")
	if v := os.Getenv("POSLINK_PAYMENT_AMOUNT_CEILING"); v != "" {
		if ceiling, err := strconv.ParseFloat(v, 64); err == nil {
			c.Payment.AmountCeiling = ceiling
		}
	}

	// Health config
	setDurationIfEnv(&c.Health.CheckInterval, "POSLINK_HEALTH_CHECK_INTERVAL")
	setDurationIfEnv(&c.Health.ConnectionTimeout, "POSLINK_CONNECTION_TIMEOUT")

	// Kitchen sync config
	setIfEnv(&c.Kitchen.SyncURL, "POSLINK_KITCHEN_SYNC_URL")
	setDurationIfEnv(&c.Kitchen.SyncInterval, "POSLINK_KITCHEN_SYNC_INTERVAL")
	setDurationIfEnv(&c.Kitchen.Timeout, "POSLINK_KITCHEN_TIMEOUT")
	// Load kitchen headers (POSLINK_KITCHEN_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "POSLINK_KITCHEN_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "POSLINK_KITCHEN_HEADER_")
		if name == "" {
			continue
		}
		if c.Kitchen.Headers == nil {
			c.Kitchen.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Kitchen.Headers[headerName] = parts[1]
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "POSLINK_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "POSLINK_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "POSLINK_ENVIRONMENT")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.Enabled, "POSLINK_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.RequestsPerWindow, "POSLINK_RATE_LIMIT_REQUESTS")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}
