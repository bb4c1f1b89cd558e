package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/cache"
	"github.com/saiset-co/sai-vary-cache/cron"
	"github.com/saiset-co/sai-vary-cache/health"
	"github.com/saiset-co/sai-vary-cache/metrics"
	"github.com/saiset-co/sai-vary-cache/server"
	"github.com/saiset-co/sai-vary-cache/types"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "run the sweeper and the admin server until interrupted",
	Action: runServe,
}

func runServe(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err := metrics.NewManager(ctx, cfg.Metrics, rt.logger)
		if err != nil {
			return types.WrapError(err, "failed to create metrics manager")
		}
		if err = metricsManager.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics manager")
		}
		defer func() { _ = metricsManager.Stop() }()

		rt.metrics = metricsManager
	}

	if err = rt.openStore(ctx); err != nil {
		return err
	}
	defer rt.close(shutdownTimeout(cfg))

	healthManager := health.NewManager(ctx, types.ServiceInfo{
		Name:     cfg.Name,
		Version:  cfg.Version,
		Instance: uuid.NewString(),
	}, rt.logger)

	if pinger, ok := rt.store.(cache.Pinger); ok {
		healthManager.RegisterChecker("store", health.PingChecker(pinger, map[string]interface{}{
			"type": cfg.Store.Type,
		}))
	}

	if err = healthManager.Start(); err != nil {
		return err
	}
	defer func() { _ = healthManager.Stop() }()

	var cronManager *cron.Manager
	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		cronManager, err = startSweeper(ctx, cfg.Sweeper, rt)
		if err != nil {
			return err
		}
		defer func() { _ = cronManager.Stop() }()
	}

	if cfg.Admin != nil && cfg.Admin.Enabled {
		adminServer, err := server.NewAdminServer(ctx, cfg.Admin, rt.logger, rt.metrics)
		if err != nil {
			return err
		}

		adminServer.RegisterHealthRoutes(healthManager)
		adminServer.RegisterStoreRoutes(rt.store)
		if rt.metrics != nil {
			adminServer.RegisterMetricsRoute(rt.metrics)
		}
		if cronManager != nil {
			adminServer.RegisterJobRoutes(cronManager)
		}

		if err = adminServer.Start(); err != nil {
			return err
		}
		defer func() { _ = adminServer.Stop() }()
	}

	rt.logger.Info("varycache started",
		zap.String("name", cfg.Name),
		zap.String("version", cfg.Version),
		zap.String("store", cfg.Store.Type))

	<-ctx.Done()

	rt.logger.Info("Shutting down")
	return nil
}

func shutdownTimeout(cfg *types.ServiceConfig) time.Duration {
	if cfg.Admin != nil && cfg.Admin.ShutdownTimeout > 0 {
		return cfg.Admin.ShutdownTimeout
	}
	return 5 * time.Second
}

// startSweeper schedules a periodic Sweep of the whole store.
func startSweeper(ctx context.Context, config *types.SweeperConfig, rt *runtime) (*cron.Manager, error) {
	sweeper, ok := rt.store.(types.Sweeper)
	if !ok {
		return nil, types.ErrSweepNotSupported
	}

	cronManager, err := cron.NewManager(ctx, cron.Options{
		Timezone:   config.Timezone,
		JobTimeout: config.Timeout,
	}, rt.logger, rt.metrics)
	if err != nil {
		return nil, err
	}

	err = cronManager.Add("sweep", config.Spec, func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err = cronManager.Start(); err != nil {
		return nil, err
	}

	return cronManager, nil
}
