package config

import (
	"encoding/json"
	"fmt"
	"os"

	"pairlink/internal/constants"
	"pairlink/internal/models"
	"pairlink/internal/security"
)

var (
	ErrMissingStoreURL    = models.ConfigError{Message: "missing persistent store base URL"}
	ErrMissingRealtimeURL = models.ConfigError{Message: "missing realtime gateway URL"}
	ErrMissingDBPath      = models.ConfigError{Message: "missing outbox database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateDatabasePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Store.BaseURL == "" {
		return ErrMissingStoreURL
	}
	if c.Realtime.URL == "" {
		return ErrMissingRealtimeURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Store.TimeoutSec <= 0 {
		c.Store.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Realtime.HeartbeatSec <= 0 {
		c.Realtime.HeartbeatSec = constants.DefaultHeartbeatIntervalSec
	}
	if c.Realtime.JoinTimeoutSec <= 0 {
		c.Realtime.JoinTimeoutSec = constants.DefaultJoinTimeoutSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.Outbox.MaxEntries <= 0 {
		c.Outbox.MaxEntries = constants.DefaultOutboxMaxEntries
	}
	if c.Outbox.EvictBatch <= 0 {
		c.Outbox.EvictBatch = constants.DefaultOutboxEvictBatch
	}
	if c.Outbox.EvictBatch > c.Outbox.MaxEntries {
		return models.ConfigError{Message: fmt.Sprintf(
			"outbox evict batch (%d) cannot exceed max entries (%d)",
			c.Outbox.EvictBatch, c.Outbox.MaxEntries)}
	}
	if c.Outbox.ResendDelayMs <= 0 {
		c.Outbox.ResendDelayMs = constants.DefaultResendDelayMs
	}

	if c.Network.ProbeIntervalSec <= 0 {
		c.Network.ProbeIntervalSec = constants.DefaultNetworkProbeIntervalSec
	}
	if c.Presence.ReconcileIntervalSec <= 0 {
		c.Presence.ReconcileIntervalSec = constants.DefaultPresenceReconcileSec
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("PAIRLINK_STORE_URL"); url != "" {
		c.Store.BaseURL = url
	}

	// SECURITY: API keys should be set via environment variables
	if key := os.Getenv("PAIRLINK_STORE_KEY"); key != "" {
		c.Store.APIKey = key
	}

	if url := os.Getenv("PAIRLINK_REALTIME_URL"); url != "" {
		c.Realtime.URL = url
	}
	if key := os.Getenv("PAIRLINK_REALTIME_KEY"); key != "" {
		c.Realtime.APIKey = key
	}

	if path := os.Getenv("PAIRLINK_DB_PATH"); path != "" {
		c.Database.Path = path
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("PAIRLINK_ENV") == "production"

	if isProduction {
		if c.Store.APIKey == "" {
			return models.ConfigError{Message: "store API key is required in production (set PAIRLINK_STORE_KEY environment variable)"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Store.APIKey == "" {
		fmt.Fprintf(os.Stderr, "WARNING: store API key not set. Set PAIRLINK_STORE_KEY environment variable.\n")
	}

	return nil
}
