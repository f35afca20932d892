package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/canopyfs/canopy/internal/pathutil"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var logFormats = map[string]bool{"text": true, "json": true, "auto": true}

// Validate checks a loaded Config for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("config: server.listen must not be empty")
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("config: database.path must not be empty")
	}

	if cfg.Security.SecretEnv == "" {
		return fmt.Errorf("config: security.secret_env must not be empty")
	}

	if !logLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: unknown logging.level %q", cfg.Logging.Level)
	}

	if !logFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: unknown logging.format %q", cfg.Logging.Format)
	}

	if err := validateDuration("scheduler.tick_interval", cfg.Scheduler.TickInterval); err != nil {
		return err
	}

	if err := validateDuration("scheduler.lease_ttl", cfg.Scheduler.LeaseTTL); err != nil {
		return err
	}

	for i, key := range cfg.APIKeys {
		if key.ID == "" || key.TokenEnv == "" {
			return fmt.Errorf("config: api_key[%d] needs both id and token_env", i)
		}

		if key.BasicPath != "" {
			if _, err := pathutil.Canonicalize(key.BasicPath); err != nil {
				return fmt.Errorf("config: api_key %q basic_path: %w", key.ID, err)
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Mounts))

	for i, seed := range cfg.Mounts {
		if seed.Type == "" {
			return fmt.Errorf("config: mount[%d] needs a type", i)
		}

		canon, err := pathutil.Canonicalize(seed.MountPath)
		if err != nil {
			return fmt.Errorf("config: mount[%d] mount_path: %w", i, err)
		}

		if canon == "/" {
			return fmt.Errorf("config: mount[%d] cannot mount at the virtual root", i)
		}

		if seen[canon] {
			return fmt.Errorf("config: duplicate mount_path %s", canon)
		}

		seen[canon] = true

		if seed.ConfigJSON != "" && !json.Valid([]byte(seed.ConfigJSON)) {
			return fmt.Errorf("config: mount %s config_json is not valid JSON", canon)
		}
	}

	return nil
}

func validateDuration(key, raw string) error {
	if raw == "" {
		return nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}

	if d <= 0 {
		return fmt.Errorf("config: %s must be positive", key)
	}

	return nil
}

// TickDuration returns the parsed scheduler tick, or the given fallback when
// unset. Call only after Validate.
func (c *SchedulerConfig) TickDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(c.TickInterval, fallback)
}

// LeaseDuration returns the parsed lease TTL, or the fallback when unset.
func (c *SchedulerConfig) LeaseDuration(fallback time.Duration) time.Duration {
	return parseDurationOr(c.LeaseTTL, fallback)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
