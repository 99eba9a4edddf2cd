// Command courseinfod serves course module information over HTTP, backed by
// a SQL row source and a shared versioned cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	courseinfo "github.com/GoCodeAlone/courseinfo"
	"github.com/GoCodeAlone/courseinfo/source"
	"github.com/GoCodeAlone/courseinfo/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "courseinfod: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := courseinfo.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	rowSource := source.New(db)
	if err := rowSource.Migrate(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	cacheStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	if err := cacheStore.Connect(ctx); err != nil {
		return fmt.Errorf("connecting cache store: %w", err)
	}
	defer func() {
		if err := cacheStore.Close(context.Background()); err != nil {
			logger.Warn("Failed to close cache store", "error", err)
		}
	}()

	registry, err := courseinfo.NewGraphRegistry(rowSource, cacheStore,
		courseinfo.WithLogger(logger),
		courseinfo.WithCapacity(cfg.GraphSize),
	)
	if err != nil {
		return err
	}

	scheduler, err := startJanitor(cfg.Janitor, registry, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	if configPath != "" {
		watcher, err := watchConfig(configPath, logger)
		if err != nil {
			logger.Warn("Config watching disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(registry, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Server.Addr, "store", cfg.Store.Engine, "db", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openDatabase(cfg courseinfo.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", courseinfo.ErrConfigMissingDatabase, cfg.Driver)
	}
}

func openStore(cfg store.Config) (store.VersionedStore, error) {
	switch cfg.Engine {
	case "redis":
		return store.NewRedisStore(&cfg), nil
	case "memory":
		return store.NewMemoryStore(&cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", courseinfo.ErrConfigInvalidEngine, cfg.Engine)
	}
}

// startJanitor schedules the periodic idle-graph sweep. An empty schedule
// disables it.
func startJanitor(cfg courseinfo.JanitorConfig, registry *courseinfo.GraphRegistry, logger *zapLogger) (*cron.Cron, error) {
	if cfg.Schedule == "" {
		return nil, nil
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(cfg.Schedule, func() {
		n := registry.EvictIdle(cfg.MaxIdle)
		stats := registry.Stats()
		logger.Debug("Janitor sweep complete", "evicted", n, "cached", registry.Len(),
			"hits", stats.Hits, "misses", stats.Misses, "rebuilds", stats.Rebuilds)
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling janitor: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}

// watchConfig re-reads the config file on change and applies the settings
// that are safe to change at runtime (currently the log level).
func watchConfig(path string, logger *zapLogger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := courseinfo.LoadConfig(path)
				if err != nil {
					logger.Warn("Ignoring invalid config change", "error", err)
					continue
				}
				logger.SetLevel(cfg.LogLevel)
				logger.Info("Applied config change", "log_level", cfg.LogLevel)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}
