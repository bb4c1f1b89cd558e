package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/cache"
	"github.com/saiset-co/sai-vary-cache/config"
	"github.com/saiset-co/sai-vary-cache/logger"
	"github.com/saiset-co/sai-vary-cache/types"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "varycache",
		Usage: "variant-aware HTTP response cache store backed by Redis",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{"VARYCACHE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logger.level from the config file",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "deadline for one-shot store commands",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			getCommand,
			putCommand,
			deleteCommand,
			cleanupCommand,
			sweepCommand,
		},
	}
}

type runtime struct {
	config  *types.ServiceConfig
	logger  *logger.ZapWrapper
	metrics types.MetricsManager
	store   types.VariantStore
}

// loadConfig reads the config named by the global flags.
func loadConfig(cctx *cli.Context) (*types.ServiceConfig, error) {
	cfg, err := config.NewLoader().LoadFromFile(cctx.String("config"))
	if err != nil {
		return nil, err
	}

	if level := cctx.String("log-level"); level != "" {
		cfg.Logger.Level = level
	}

	return cfg, nil
}

// newRuntime builds the logger. One-shot commands log to stderr so stdout
// carries only their JSON output.
func newRuntime(cfg *types.ServiceConfig, stderr bool) (*runtime, error) {
	if stderr {
		logToStderr(cfg.Logger)
	}

	log, err := logger.NewDefaultLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &runtime{config: cfg, logger: log}, nil
}

func (r *runtime) openStore(ctx context.Context) error {
	store, err := cache.NewStore(ctx, r.config.Store, r.logger, r.metrics)
	if err != nil {
		return types.WrapError(err, "failed to open store")
	}

	r.store = store
	return nil
}

// close waits up to timeout for the store's background work.
func (r *runtime) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if r.store != nil {
		if err := r.store.Close(ctx); err != nil {
			r.logger.Error("Failed to close store", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}

// oneShot loads the config, opens the store and runs fn under the global
// timeout.
func oneShot(cctx *cli.Context, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
	defer cancel()

	if err = rt.openStore(ctx); err != nil {
		_ = rt.logger.Sync()
		return err
	}
	defer rt.close(5 * time.Second)

	return fn(ctx, rt)
}

func logToStderr(config *types.LoggerConfig) {
	settings, _ := config.Config.(map[string]interface{})
	if settings == nil {
		settings = make(map[string]interface{})
	}

	if output, _ := settings["output"].(string); output == "" || output == "stdout" {
		settings["output"] = "stderr"
	}

	config.Config = settings
}
