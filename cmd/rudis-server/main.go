// Package main provides the entry point for rudis-server.
//
// rudis-server is an in-memory key-value server speaking the Redis
// wire protocol, compatible with redis-cli and redis-benchmark for its
// supported command set.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/aleksandar-had/rudis/internal/infra/buildinfo"
	"github.com/aleksandar-had/rudis/internal/infra/confloader"
	"github.com/aleksandar-had/rudis/internal/infra/shutdown"
	"github.com/aleksandar-had/rudis/internal/resp"
	"github.com/aleksandar-had/rudis/internal/server"
	"github.com/aleksandar-had/rudis/internal/server/config"
	"github.com/aleksandar-had/rudis/internal/store"
	"github.com/aleksandar-had/rudis/internal/telemetry/logger"
	"github.com/aleksandar-had/rudis/internal/telemetry/metric"
)

func main() {
	app := &cli.App{
		Name:    "rudis-server",
		Usage:   "in-memory Redis-compatible key-value server",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML configuration file",
				EnvVars: []string{"RUDIS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level: debug, info, warn, error (overrides config)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	slogger := logger.Slog(log)

	log.Info("starting rudis-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit,
		"addr", cfg.Server.Addr)

	storeOpts := []store.Option{store.WithShardCount(cfg.Store.Shards)}

	// The keys gauge reads the store lazily on scrape; st is assigned
	// before the first scrape can happen.
	var st *store.Store

	var metrics *metric.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics = metric.New(func() float64 {
			if st == nil {
				return 0
			}
			return float64(st.Count())
		})
		storeOpts = append(storeOpts, store.WithPassiveEvictHook(func(n int) {
			metrics.ExpiredKeysTotal.WithLabelValues(metric.ExpireModePassive).Add(float64(n))
		}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}
	st = store.New(storeOpts...)

	// Active expiration runs for the lifetime of the process and is
	// cancelled during shutdown.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperOpts := []store.SweeperOption{
		store.WithInterval(cfg.Expire.Interval),
		store.WithSampleSize(cfg.Expire.SampleSize),
		store.WithLogger(slogger),
	}
	if metrics != nil {
		sweeperOpts = append(sweeperOpts, store.WithExpiredHook(func(n int) {
			metrics.ExpiredKeysTotal.WithLabelValues(metric.ExpireModeActive).Add(float64(n))
		}))
	}
	sweeper := store.NewSweeper(st, sweeperOpts...)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(sweepCtx)
	}()

	srv := server.New(&server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		RateLimit:    cfg.Server.RateLimit,
		Limits: resp.Limits{
			MaxBulkLen:   cfg.Limits.MaxBulkLen,
			MaxArrayLen:  cfg.Limits.MaxArrayLen,
			MaxInlineLen: cfg.Limits.MaxInlineLen,
		},
	}, st, slogger, metrics)

	if err := srv.Start(context.Background()); err != nil {
		stopSweeper()
		return fmt.Errorf("start server: %w", err)
	}

	// Reload the log level when the config file changes.
	var watcher *confloader.Watcher
	if path := c.String("config"); path != "" {
		watcher, err = confloader.NewWatcher(confloader.WithWatcherLogger(slogger))
		if err != nil {
			log.Warn("config watcher unavailable", "error", err)
		} else if err := watcher.Watch(path); err == nil {
			watcher.OnChange(func(string) {
				reloadLogLevel(path, log)
			})
			go watcher.Start()
		}
	}

	// Stages registered in startup order run in reverse on teardown:
	// watcher, then the listener, then the sweeper, metrics last.
	coord := shutdown.New(30*time.Second, slogger)
	if metricsSrv != nil {
		coord.Register("metrics", metricsSrv.Shutdown)
	}
	coord.Register("sweeper", func(ctx context.Context) error {
		stopSweeper()
		select {
		case <-sweeperDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	coord.Register("listener", srv.Shutdown)
	if watcher != nil {
		coord.Register("config-watcher", func(context.Context) error {
			return watcher.Stop()
		})
	}

	log.Info("server started, press Ctrl+C to stop")
	if err := coord.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads defaults, then the optional config file, then
// environment variables, then CLI flag overrides.
func loadConfig(c *cli.Context) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if path := c.String("config"); path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}

	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reloadLogLevel re-reads the config file and applies its log level.
func reloadLogLevel(path string, log logger.Logger) {
	cfg := config.Default()
	if err := confloader.NewLoader(confloader.WithConfigFile(path)).Load(cfg); err != nil {
		log.Warn("config reload failed", "error", err)
		return
	}
	if cfg.Log.Level != logger.GetLevel() {
		logger.SetLevel(cfg.Log.Level)
		log.Info("log level changed", "level", cfg.Log.Level)
	}
}
