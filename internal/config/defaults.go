package config

// Default values applied before the config file is read.
const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultDatabasePath  = "canopy.db"
	DefaultSecretEnv     = "CANOPY_SECRET"
	DefaultAdminTokenEnv = "CANOPY_ADMIN_TOKEN"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "auto"
	DefaultTickInterval  = "15s"
	DefaultLeaseTTL      = "10m"
)

// DefaultConfig returns a Config populated with defaults. The zero-config
// path serves a local sqlite file on localhost with no mounts.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Listen: DefaultListen},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Security: SecurityConfig{
			SecretEnv:     DefaultSecretEnv,
			AdminTokenEnv: DefaultAdminTokenEnv,
		},
		Logging: LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: DefaultTickInterval,
			LeaseTTL:     DefaultLeaseTTL,
		},
	}
}
