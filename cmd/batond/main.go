// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// batond is the execution daemon: it owns the run ledger, the executor
// pool, the scheduler, and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/skilbeck/baton/internal/bus"
	"github.com/skilbeck/baton/internal/config"
	"github.com/skilbeck/baton/internal/daemon/api"
	"github.com/skilbeck/baton/internal/daemon/auth"
	"github.com/skilbeck/baton/internal/dispatcher"
	"github.com/skilbeck/baton/internal/dlq"
	"github.com/skilbeck/baton/internal/executor"
	"github.com/skilbeck/baton/internal/guard"
	"github.com/skilbeck/baton/internal/ledger"
	"github.com/skilbeck/baton/internal/ledger/postgres"
	"github.com/skilbeck/baton/internal/ledger/sqlite"
	"github.com/skilbeck/baton/internal/log"
	"github.com/skilbeck/baton/internal/registry"
	"github.com/skilbeck/baton/internal/runner"
	"github.com/skilbeck/baton/internal/scheduler"
	"github.com/skilbeck/baton/internal/source"
	"github.com/skilbeck/baton/internal/tasks"
	"github.com/skilbeck/baton/internal/tracing"
	"github.com/skilbeck/baton/internal/watermark"
	"github.com/skilbeck/baton/internal/workflows"
	"github.com/skilbeck/baton/pkg/work"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// lockTemplates defers to the workflow loader once it exists. The
// dispatcher is constructed before the loader because the loader's
// runner submits steps through the dispatcher.
type lockTemplates struct {
	loader *workflows.Loader
}

func (lt *lockTemplates) LockTemplate(kind work.Kind, name string) string {
	if lt.loader == nil {
		return ""
	}
	return lt.loader.LockTemplate(kind, name)
}

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file (default: ~/.config/baton/config.yaml)")
		addr         = flag.String("addr", "", "Listen address override")
		dbPath       = flag.String("db", "", "SQLite database path override")
		workflowsDir = flag.String("workflows-dir", "", "Workflow definitions directory override")
		noScheduler  = flag.Bool("no-scheduler", false, "Disable the scheduler loop")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("batond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath, *addr, *dbPath, *workflowsDir, *noScheduler); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}

func run(configPath, addr, dbPath, workflowsDir string, noScheduler bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = dbPath
	}
	if workflowsDir != "" {
		cfg.Workflows.Dir = workflowsDir
	}
	if noScheduler {
		cfg.Scheduler.Enabled = false
	}

	logCfg := log.FromEnv()
	if os.Getenv("BATON_LOG_LEVEL") == "" && os.Getenv("BATON_DEBUG") == "" {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)
	logger.Info("batond starting",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Addr),
		slog.String("db_driver", cfg.Database.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing.
	traceProvider, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// Ledger. Opening runs pending migrations.
	var store ledger.Store
	switch cfg.Database.Driver {
	case "postgres":
		store, err = postgres.New(postgres.Config{ConnectionString: cfg.Database.DSN})
	default:
		store, err = sqlite.New(sqlite.Config{Path: cfg.Database.Path, WAL: true})
	}
	if err != nil {
		return err
	}
	defer store.Close()

	// Event bus.
	var events bus.Bus
	if cfg.Events.Backend == "nats" {
		nats, err := bus.NewNATS(bus.NATSConfig{URL: cfg.Events.URL})
		if err != nil {
			return err
		}
		events = nats
	} else {
		events = bus.NewMemory()
	}
	defer events.Close()

	// Source layer with the configured content-hash cache.
	var cache source.Cache
	switch cfg.Cache.Backend {
	case "none":
		cache = nil
	case "memory":
		cache = source.NewMemoryCache()
	case "redis":
		redisOpts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("invalid cache url: %w", err)
		}
		cache = source.NewRedisCache(redis.NewClient(redisOpts), time.Duration(cfg.Cache.TTLHours)*time.Hour)
	default:
		cache = source.NewLedgerCache(store)
	}
	sources := source.New(store, cache,
		source.NewHTTPFetcher(nil),
		source.NewFileFetcher(),
	)

	// Registry, executor pool, dispatcher.
	reg := registry.New()
	pool := executor.New(store, reg, events, executor.Config{
		Lanes:          cfg.Executor.Lanes,
		DefaultTimeout: time.Duration(cfg.Executor.DefaultTimeoutSeconds) * time.Second,
		MaxRetryDelay:  time.Duration(cfg.Retry.BackoffCapSeconds) * time.Second,
	})

	templates := &lockTemplates{}
	disp, err := dispatcher.New(store, reg, pool, events,
		dispatcher.WithGuard(guard.New(store), templates, 0))
	if err != nil {
		return err
	}
	defer disp.Close()
	pool.SetRetrier(disp)

	// Builtin tasks.
	if err := tasks.Register(reg, sources); err != nil {
		return err
	}

	// Workflow runner and definition loader.
	wfRunner := runner.New(disp, events, runner.WithEventStore(store))
	loader := workflows.New(reg, wfRunner)
	templates.loader = loader
	if cfg.Workflows.Dir != "" {
		if loaded, err := loader.LoadDir(cfg.Workflows.Dir); err != nil {
			logger.Warn("workflow directory load failed",
				slog.String("dir", cfg.Workflows.Dir),
				slog.String("error", err.Error()))
		} else {
			logger.Info("workflows loaded",
				slog.String("dir", cfg.Workflows.Dir),
				slog.Int("count", loaded))
		}
		if cfg.Workflows.Watch {
			if err := loader.Watch(ctx, cfg.Workflows.Dir); err != nil {
				logger.Warn("workflow watch failed", slog.String("error", err.Error()))
			} else {
				defer loader.Stop()
			}
		}
	}

	pool.Start()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pool.Stop(drainCtx); err != nil {
			logger.Warn("executor drain incomplete", slog.String("error", err.Error()))
		}
	}()

	// Scheduler.
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(store, disp, events, scheduler.Config{
			Interval:     time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
			InstanceID:   cfg.Scheduler.InstanceID,
			LeaseTTL:     time.Duration(cfg.Scheduler.LeaseTTLSeconds) * time.Second,
			LagThreshold: time.Duration(cfg.Scheduler.LagThresholdSecs) * time.Second,
		})
		sched.Start(ctx)
		defer sched.Stop()
	}

	// Dead letter queue with optional auto-retry.
	letters := dlq.New(store, disp, events)
	if cfg.DLQ.AutoRetry {
		retrier := dlq.NewAutoRetrier(letters, dlq.AutoRetryConfig{
			Interval:   time.Duration(cfg.DLQ.IntervalSeconds) * time.Second,
			BatchSize:  cfg.DLQ.BatchSize,
			ReplayRate: rateLimit(cfg.DLQ.ReplayPerSecond),
		})
		retrier.Start(ctx)
		defer retrier.Stop()
	}

	// Watermarks and backfill plans.
	marks := watermark.New(store, events)

	// Maintenance: expired-lock sweep and retention purge.
	go maintenanceLoop(ctx, store, cfg, logger)

	// HTTP server.
	apiHandler := api.New(
		api.Config{Version: version, Commit: commit, BuildDate: buildDate},
		disp, store,
		api.WithDLQ(letters),
		api.WithWatermarks(marks),
		api.WithSources(sources),
		api.WithWorkflows(loader),
		api.WithRegistry(reg),
		api.WithAuth(auth.Config{
			APIKeys:   cfg.Server.APIKeys,
			JWTSecret: cfg.Server.JWTSecret,
		}),
		api.WithLogger(logger),
	)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiHandler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

// maintenanceLoop periodically sweeps expired concurrency locks and
// purges terminal data past the retention window.
func maintenanceLoop(ctx context.Context, store ledger.Store, cfg *config.Config, logger *slog.Logger) {
	lockTicker := time.NewTicker(time.Minute)
	defer lockTicker.Stop()

	purgeInterval := time.Duration(cfg.Retention.SweepIntervalMinutes) * time.Minute
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lockTicker.C:
			if n, err := store.CleanupExpiredLocks(ctx, time.Now().UTC()); err != nil {
				logger.Warn("lock sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("expired locks released", slog.Int("count", n))
			}
		case <-purgeTicker.C:
			if cfg.Retention.Days <= 0 {
				continue
			}
			window := time.Duration(cfg.Retention.Days) * 24 * time.Hour
			if deleted, err := store.PurgeOldData(ctx, window); err != nil {
				logger.Warn("retention purge failed", slog.String("error", err.Error()))
			} else if deleted > 0 {
				logger.Info("retention purge done", slog.Int64("deleted", deleted))
			}
		}
	}
}
