package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"offsync/internal/config"
	"offsync/internal/conflict"
	"offsync/internal/connectivity"
	"offsync/internal/events"
	"offsync/internal/logging"
	"offsync/internal/metrics"
	"offsync/internal/outbox"
	"offsync/internal/retry"
	"offsync/internal/statuscache"
	"offsync/internal/syncer"
	"offsync/internal/transport"
	"offsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, logger); err != nil {
		return err
	}

	policy, err := retryPolicy(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("invalid retry configuration")
		return err
	}

	store, err := outbox.New(cfg.Database.Path, outbox.Options{
		Policy:       policy,
		ClaimTimeout: cfg.Sync.ClaimTimeout,
		Logger:       logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("outbox initialization failed")
		return err
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("invalid conflict configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := transport.NewRESTAdapter(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Timeout)
	monitor := buildMonitor(cfg, logger)
	cache := buildStatusCache(ctx, cfg, logger)
	bus := events.NewEventBus()

	w := worker.New(store, adapter, resolver, monitor, bus, worker.Config{
		BatchSize:      cfg.Sync.BatchSize,
		PoolSize:       cfg.Sync.PoolSize,
		RequestTimeout: cfg.Sync.RequestTimeout,
		Interval:       cfg.Sync.Interval,
		BatchedMode:    cfg.Sync.BatchedMode,
		RateLimitRPS:   cfg.Sync.RateLimitRPS,
		RateLimitBurst: cfg.Sync.RateLimitBurst,
	}, logger)

	engine := syncer.New(syncer.Deps{
		Store:     store,
		Worker:    w,
		Monitor:   monitor,
		Cache:     cache,
		Bus:       bus,
		Logger:    logger,
		StatusTTL: cfg.Cache.TTL,
	})

	if cfg.Monitoring.PrometheusEnabled {
		startMetricsServer(cfg, logger)
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("engine start failed")
		return err
	}

	logger.Info().
		Str("database", cfg.Database.Path).
		Str("remote", cfg.Remote.BaseURL).
		Dur("interval", cfg.Sync.Interval).
		Msg("offsync daemon running")

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	if err := engine.Destroy(); err != nil {
		logger.Error().Err(err).Msg("engine shutdown error")
		return err
	}

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("cannot create database directory")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("cannot create exports directory")
		return err
	}
	return nil
}

func retryPolicy(cfg *config.Config) (retry.Policy, error) {
	switch cfg.Retry.Preset {
	case "conservative":
		return retry.Conservative(), nil
	case "aggressive":
		return retry.Aggressive(), nil
	case "fast":
		return retry.Fast(), nil
	case "":
		return retry.NewPolicy(cfg.Retry.InitialDelay, cfg.Retry.Multiplier, cfg.Retry.MaxDelay, cfg.Retry.MaxRetries)
	default:
		return retry.Policy{}, fmt.Errorf("unknown retry preset %q", cfg.Retry.Preset)
	}
}

func buildResolver(cfg *config.Config) (*conflict.Resolver, error) {
	var opts []conflict.Option
	if len(cfg.Conflict.PreservedFields) > 0 {
		opts = append(opts, conflict.WithPreservedFields(cfg.Conflict.PreservedFields...))
	}
	return conflict.NewResolver(conflict.Strategy(cfg.Conflict.Strategy), opts...)
}

func buildMonitor(cfg *config.Config, logger *zerolog.Logger) connectivity.Monitor {
	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL
	}
	if probeURL == "" {
		return nil
	}
	return connectivity.NewProber(probeURL, cfg.Connectivity.ProbeInterval, logger)
}

func buildStatusCache(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) statuscache.Cache {
	memory := statuscache.NewMemory(cfg.Cache.TTL)
	if !cfg.Redis.Enabled {
		return memory
	}

	client := statuscache.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}

	return statuscache.NewFailover(statuscache.NewRedis(client, cfg.Cache.TTL), memory, logger)
}

func startMetricsServer(cfg *config.Config, logger *zerolog.Logger) {
	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}
