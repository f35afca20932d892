package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyfs/canopy/internal/secrets"
	"github.com/canopyfs/canopy/internal/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "canopy.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = "0.0.0.0:9000"

[logging]
level = "debug"

[[mount]]
mount_path = "/docs"
type = "local"
config_json = '{"root_path": "/srv/docs"}'
public = true
web_proxy = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultSecretEnv, cfg.Security.SecretEnv)
	require.Len(t, cfg.Mounts, 1)
	assert.True(t, cfg.Mounts[0].WebProxy)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = "127.0.0.1:8080"
lissten_typo = true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
	assert.Contains(t, err.Error(), "lissten_typo")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "empty listen",
			mutate:  func(c *Config) { c.Server.Listen = "" },
			wantMsg: "server.listen",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantMsg: "logging.level",
		},
		{
			name:    "bad tick interval",
			mutate:  func(c *Config) { c.Scheduler.TickInterval = "soon" },
			wantMsg: "tick_interval",
		},
		{
			name: "root mount",
			mutate: func(c *Config) {
				c.Mounts = []MountSeed{{MountPath: "/", Type: "local"}}
			},
			wantMsg: "virtual root",
		},
		{
			name: "duplicate mount",
			mutate: func(c *Config) {
				c.Mounts = []MountSeed{
					{MountPath: "/a", Type: "local"},
					{MountPath: "/a/", Type: "local"},
				}
			},
			wantMsg: "duplicate",
		},
		{
			name: "invalid mount config json",
			mutate: func(c *Config) {
				c.Mounts = []MountSeed{{MountPath: "/a", Type: "s3", ConfigJSON: "{broken"}}
			},
			wantMsg: "not valid JSON",
		},
		{
			name: "api key without token env",
			mutate: func(c *Config) {
				c.APIKeys = []APIKeyConfig{{ID: "k"}}
			},
			wantMsg: "token_env",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestSchedulerDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Second, cfg.Scheduler.TickDuration(time.Minute))

	cfg.Scheduler.TickInterval = ""
	assert.Equal(t, time.Minute, cfg.Scheduler.TickDuration(time.Minute))
}

func TestSecretAndAPIKeysFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.SecretEnv = "TEST_CANOPY_SECRET"
	cfg.APIKeys = []APIKeyConfig{
		{ID: "k1", TokenEnv: "TEST_CANOPY_KEY_1", BasicPath: "/docs"},
		{ID: "k2", TokenEnv: "TEST_CANOPY_KEY_UNSET"},
	}

	_, err := cfg.Secret()
	require.Error(t, err)

	t.Setenv("TEST_CANOPY_SECRET", "s3cret")
	t.Setenv("TEST_CANOPY_KEY_1", "tok-1")

	secret, err := cfg.Secret()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)

	keys := cfg.ResolveAPIKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "k1", keys["tok-1"].ID)
	assert.Equal(t, "/docs", keys["tok-1"].BasicPath)
}

func TestSeedMountsIdempotent(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "canopy.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	box, err := secrets.NewBox("seed-secret")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Mounts = []MountSeed{
		{MountPath: "/docs", Type: "local", ConfigJSON: `{"root_path": "/srv/docs"}`, Public: true},
	}

	require.NoError(t, SeedMounts(ctx, cfg, st, box, logger))
	require.NoError(t, SeedMounts(ctx, cfg, st, box, logger))

	mounts, err := st.ListMounts(ctx)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/docs", mounts[0].MountPath)
}

func TestSeedMountsMissingSecretEnv(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "canopy.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	box, err := secrets.NewBox("seed-secret")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Mounts = []MountSeed{
		{MountPath: "/s3", Type: "s3", SecretsEnv: "TEST_CANOPY_UNSET_SECRETS"},
	}

	err = SeedMounts(ctx, cfg, st, box, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_CANOPY_UNSET_SECRETS")
}

func TestHolderWatchReload(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = "127.0.0.1:8081"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = h.Watch(ctx, slog.New(slog.DiscardHandler), func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = "127.0.0.1:9999"
`), 0o600))

	select {
	case c := <-reloaded:
		assert.Equal(t, "127.0.0.1:9999", c.Server.Listen)
		assert.Equal(t, "127.0.0.1:9999", h.Config().Server.Listen)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload did not happen")
	}

	cancel()
	<-done
}
