package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/secrets"
	"github.com/canopyfs/canopy/internal/store"
)

// SeedStore is the persistence surface mount seeding needs.
type SeedStore interface {
	ListMounts(ctx context.Context) ([]store.Mount, error)
	CreateStorageConfig(ctx context.Context, c *store.StorageConfig) (*store.StorageConfig, error)
	CreateMount(ctx context.Context, m *store.Mount) (*store.Mount, error)
}

// SeedMounts creates every configured mount that does not exist yet,
// matching by mount path. Existing mounts are left untouched so admin edits
// survive restarts; seeding is additive only.
func SeedMounts(ctx context.Context, cfg *Config, st SeedStore, box *secrets.Box, logger *slog.Logger) error {
	if len(cfg.Mounts) == 0 {
		return nil
	}

	existing, err := st.ListMounts(ctx)
	if err != nil {
		return fmt.Errorf("config: listing mounts for seeding: %w", err)
	}

	present := make(map[string]bool, len(existing))
	for _, m := range existing {
		present[m.MountPath] = true
	}

	for _, seed := range cfg.Mounts {
		canon, err := pathutil.Canonicalize(seed.MountPath)
		if err != nil {
			return fmt.Errorf("config: seed mount_path %q: %w", seed.MountPath, err)
		}

		if present[canon] {
			continue
		}

		var ciphertext string

		if seed.SecretsEnv != "" {
			plain := os.Getenv(seed.SecretsEnv)
			if plain == "" {
				return fmt.Errorf("config: mount %s: environment variable %s is not set", canon, seed.SecretsEnv)
			}

			ciphertext, err = box.Seal([]byte(plain))
			if err != nil {
				return fmt.Errorf("config: sealing secrets for mount %s: %w", canon, err)
			}
		}

		sc, err := st.CreateStorageConfig(ctx, &store.StorageConfig{
			Type:              seed.Type,
			ConfigJSON:        seed.ConfigJSON,
			IsPublic:          seed.Public,
			SecretsCiphertext: ciphertext,
		})
		if err != nil {
			return fmt.Errorf("config: creating storage config for mount %s: %w", canon, err)
		}

		if _, err := st.CreateMount(ctx, &store.Mount{
			MountPath:       canon,
			StorageConfigID: sc.ID,
			WebProxy:        seed.WebProxy,
			WebDAVPolicy:    store.WebDAVPolicyNativeProxy,
		}); err != nil {
			return fmt.Errorf("config: creating mount %s: %w", canon, err)
		}

		present[canon] = true
		logger.Info("mount seeded",
			slog.String("mount_path", canon), slog.String("type", seed.Type))
	}

	return nil
}
