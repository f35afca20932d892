// Package config implements TOML configuration loading and validation for
// the gateway, plus a thread-safe holder with file-watch reload so mount
// seeds and API keys can change without a restart.
package config

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Security  SecurityConfig  `toml:"security"`
	Logging   LoggingConfig   `toml:"logging"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	APIKeys   []APIKeyConfig  `toml:"api_key"`
	Mounts    []MountSeed     `toml:"mount"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen string `toml:"listen"`
	// ProxyOrigins are the public base URLs proxy links may be prefixed
	// with; empty means links stay host-relative.
	ProxyOrigins []string `toml:"proxy_origins"`
}

// DatabaseConfig locates the sqlite database file.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// SecurityConfig names the environment variables credentials come from.
// Secrets never live in the config file itself.
type SecurityConfig struct {
	// SecretEnv holds the name of the variable carrying the encryption
	// secret used for driver credentials and proxy signing.
	SecretEnv string `toml:"secret_env"`
	// AdminTokenEnv holds the name of the variable carrying the admin
	// bearer token. Unset or empty disables admin access.
	AdminTokenEnv string `toml:"admin_token_env"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json, auto
}

// SchedulerConfig tunes the scheduled-task dispatcher.
type SchedulerConfig struct {
	Enabled      bool   `toml:"enabled"`
	TickInterval string `toml:"tick_interval"`
	LeaseTTL     string `toml:"lease_ttl"`
}

// APIKeyConfig declares one scoped API key. The token itself is read from
// the named environment variable.
type APIKeyConfig struct {
	ID        string `toml:"id"`
	TokenEnv  string `toml:"token_env"`
	BasicPath string `toml:"basic_path"`
}

// MountSeed declares a mount the gateway creates on startup when no mount
// with the same path exists yet. Credentials go through SecretsEnv, never
// inline.
type MountSeed struct {
	MountPath string `toml:"mount_path"`
	Type      string `toml:"type"`
	// ConfigJSON is the driver config object, JSON-encoded.
	ConfigJSON string `toml:"config_json"`
	// SecretsEnv names a variable holding the driver secrets JSON.
	SecretsEnv string `toml:"secrets_env"`
	Public     bool   `toml:"public"`
	WebProxy   bool   `toml:"web_proxy"`
}
