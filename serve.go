package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canopyfs/canopy/internal/config"
	"github.com/canopyfs/canopy/internal/gateway"
	"github.com/canopyfs/canopy/internal/httpapi"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/sched"
	"github.com/canopyfs/canopy/internal/secrets"
	"github.com/canopyfs/canopy/internal/store"
)

// shutdownTimeout bounds graceful HTTP shutdown on SIGTERM.
const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := config.ConfigPath(flagConfigPath)

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging)

	secret, err := cfg.Secret()
	if err != nil {
		return err
	}

	box, err := secrets.NewBox(secret)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := config.SeedMounts(ctx, cfg, st, box, logger); err != nil {
		return err
	}

	factory := gateway.NewFactory(box, logger)
	engine := jobs.NewEngine(st, logger)
	defer engine.Shutdown()

	fs := gateway.New(
		mount.NewResolver(st, logger),
		factory,
		st,
		pathutil.NewSigner(secret),
		engine,
		logger,
	)
	engine.Register(jobs.NewCopyHandler(fs))

	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	registry := sched.NewRegistry()
	registry.Register(sched.NewCleanupSessions(st))
	registry.Register(sched.NewSyncCopy(engine))

	dispatcher := sched.NewDispatcher(st, registry, logger)
	dispatcher.Configure(
		cfg.Scheduler.TickDuration(sched.DefaultTickInterval),
		cfg.Scheduler.LeaseDuration(sched.DefaultLeaseTTL),
	)

	if cfg.Scheduler.Enabled {
		go dispatcher.Start(ctx)
	}

	api := httpapi.NewServer(fs, engine, dispatcher, httpapi.Options{
		AdminToken: cfg.AdminToken(),
		APIKeys:    apiKeys(cfg),
	}, logger)

	// Hot reload covers mount seeds only; listener and database changes
	// need a restart.
	holder := config.NewHolder(cfg, cfgPath)
	go func() {
		err := holder.Watch(ctx, logger, func(next *config.Config) {
			if seedErr := config.SeedMounts(ctx, next, st, box, logger); seedErr != nil {
				logger.Warn("reseeding mounts failed", slog.Any("error", seedErr))
			}
		})
		if err != nil {
			logger.Warn("config watcher stopped", slog.Any("error", err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("gateway listening", slog.String("addr", cfg.Server.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func apiKeys(cfg *config.Config) map[string]httpapi.APIKey {
	keys := make(map[string]httpapi.APIKey)

	for tok, k := range cfg.ResolveAPIKeys() {
		keys[tok] = httpapi.APIKey{ID: k.ID, BasicPath: k.BasicPath}
	}

	return keys
}
