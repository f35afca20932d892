package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/driver/graphdrive"
	"github.com/canopyfs/canopy/internal/driver/local"
	"github.com/canopyfs/canopy/internal/driver/s3"
	"github.com/canopyfs/canopy/internal/driver/webdav"
	"github.com/canopyfs/canopy/internal/secrets"
	"github.com/canopyfs/canopy/internal/store"
)

// Factory builds and caches driver instances per storage config. Credentials
// are unsealed here and live only inside the driver.
type Factory struct {
	box    *secrets.Box
	logger *slog.Logger

	mu    sync.Mutex
	cache map[int64]cachedDriver
}

type cachedDriver struct {
	fingerprint string
	drv         driver.Driver
}

// NewFactory builds a factory over the credential box.
func NewFactory(box *secrets.Box, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}

	return &Factory{box: box, logger: logger, cache: make(map[int64]cachedDriver)}
}

// DriverFor returns the driver for a storage config, reusing a cached
// instance while the config is unchanged. Drivers are safe for concurrent
// use, so one instance serves all requests on a mount.
func (f *Factory) DriverFor(cfg *store.StorageConfig) (driver.Driver, error) {
	fingerprint := cfg.Type + "|" + cfg.ConfigJSON + "|" + cfg.SecretsCiphertext

	f.mu.Lock()
	if c, ok := f.cache[cfg.ID]; ok && c.fingerprint == fingerprint {
		f.mu.Unlock()

		return c.drv, nil
	}
	f.mu.Unlock()

	drv, err := f.build(cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[cfg.ID] = cachedDriver{fingerprint: fingerprint, drv: drv}
	f.mu.Unlock()

	f.logger.Debug("driver built",
		slog.Int64("storage_config_id", cfg.ID), slog.String("type", cfg.Type),
		slog.String("capabilities", drv.Capabilities().String()))

	return drv, nil
}

// Invalidate drops the cached driver for a config, forcing a rebuild on next
// use. Called when a storage config is updated.
func (f *Factory) Invalidate(configID int64) {
	f.mu.Lock()
	delete(f.cache, configID)
	f.mu.Unlock()
}

// decode merges the public config JSON with the unsealed credential JSON
// into the driver's config struct. Credential fields win on overlap.
func (f *Factory) decode(cfg *store.StorageConfig, out any) error {
	if cfg.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigJSON), out); err != nil {
			return driver.E(driver.KindValidation, "gateway.factory", "",
				fmt.Errorf("storage config %d: %w", cfg.ID, err))
		}
	}

	if cfg.SecretsCiphertext == "" {
		return nil
	}

	plain, err := f.box.Open(cfg.SecretsCiphertext)
	if err != nil {
		return driver.E(driver.KindInternal, "gateway.factory", "",
			fmt.Errorf("unsealing credentials for storage config %d: %w", cfg.ID, err))
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return driver.E(driver.KindValidation, "gateway.factory", "",
			fmt.Errorf("storage config %d credentials: %w", cfg.ID, err))
	}

	return nil
}

func (f *Factory) build(cfg *store.StorageConfig) (driver.Driver, error) {
	switch cfg.Type {
	case local.Type:
		var c local.Config
		if err := f.decode(cfg, &c); err != nil {
			return nil, err
		}

		return local.New(c, f.logger)
	case s3.Type:
		var c s3.Config
		if err := f.decode(cfg, &c); err != nil {
			return nil, err
		}

		return s3.New(c, f.logger)
	case webdav.Type:
		var c webdav.Config
		if err := f.decode(cfg, &c); err != nil {
			return nil, err
		}

		return webdav.New(c, f.logger)
	case graphdrive.Type:
		var c graphdrive.Config
		if err := f.decode(cfg, &c); err != nil {
			return nil, err
		}

		return graphdrive.New(c, f.logger)
	default:
		return nil, driver.E(driver.KindValidation, "gateway.factory", "",
			fmt.Errorf("unknown storage type %q", cfg.Type))
	}
}
