package config

import (
	"fmt"
	"os"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "CANOPY_CONFIG"

// ConfigPath resolves the config file path: CLI flag > environment >
// default name in the working directory.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}

	return "canopy.toml"
}

// Secret reads the encryption secret from the configured variable. The
// secret is mandatory: driver credentials and proxy links depend on it.
func (c *Config) Secret() (string, error) {
	secret := os.Getenv(c.Security.SecretEnv)
	if secret == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", c.Security.SecretEnv)
	}

	return secret, nil
}

// AdminToken reads the admin bearer token; empty disables admin access.
func (c *Config) AdminToken() string {
	if c.Security.AdminTokenEnv == "" {
		return ""
	}

	return os.Getenv(c.Security.AdminTokenEnv)
}

// ResolveAPIKeys materializes the configured API keys from the environment.
// Keys whose variable is unset are skipped: a missing credential must not
// silently open a scope.
func (c *Config) ResolveAPIKeys() map[string]ResolvedKey {
	keys := make(map[string]ResolvedKey)

	for _, k := range c.APIKeys {
		tok := os.Getenv(k.TokenEnv)
		if tok == "" {
			continue
		}

		keys[tok] = ResolvedKey{ID: k.ID, BasicPath: k.BasicPath}
	}

	return keys
}

// ResolvedKey is an API key with its token already read from the
// environment.
type ResolvedKey struct {
	ID        string
	BasicPath string
}
