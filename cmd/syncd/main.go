package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiaansync/internal/api"
	"kiaansync/internal/config"
	"kiaansync/internal/connectivity"
	"kiaansync/internal/engine"
	"kiaansync/internal/logging"
	"kiaansync/internal/metrics"
	"kiaansync/internal/models"
	"kiaansync/internal/queue"
	"kiaansync/internal/replay"
	"kiaansync/internal/repository"
	"kiaansync/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Sync.Profile != models.ProfileWeb {
		return fmt.Errorf("syncd hosts the web profile; %q requires injected replay handlers", cfg.Sync.Profile)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replayer := replay.NewHTTPReplayer(
		cfg.Remote.BaseURL,
		cfg.RequestTimeout(),
		cfg.Remote.RateLimitRPS,
		cfg.Remote.RateLimitBurst,
	)

	eng, monitor, cleanup, err := buildEngine(ctx, cfg, replayer, &logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	if monitor != nil {
		go probeConnectivity(ctx, cfg.Remote.BaseURL, monitor, &logger)
	}

	if cfg.Status.Enabled {
		statusServer := api.NewServer(cfg.Status, eng, cfg.Monitoring.PrometheusEnabled, &logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error().Err(err).Msg("status server error")
			}
		}()
		defer func() {
			_ = statusServer.Shutdown(context.Background())
		}()
	}

	logger.Info().Msg("sync daemon started")
	<-ctx.Done()
	logger.Info().Msg("shutdown complete")
	return nil
}

// buildEngine opens the store and assembles the engine; when the store is
// unavailable it degrades to passthrough instead of failing.
func buildEngine(ctx context.Context, cfg *config.Config, replayer replay.Replayer, logger *zerolog.Logger) (*engine.Engine, *connectivity.Monitor, func(), error) {
	s, err := store.New(cfg.Database.Path, logger)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			return nil, nil, nil, err
		}
		logger.Warn().Err(err).Msg("store unavailable, queueing disabled")
		return engine.NewPassthrough(replayer, logger), nil, func() {}, nil
	}

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = repository.NewRedisClient(cfg.Redis)
		if errPing := repository.Ping(ctx, redisClient); errPing != nil {
			logger.Warn().Err(errPing).Msg("Redis unavailable")
		}
	}

	storeCache := repository.NewStoreCache(s, store.PartCachedResponses)
	var cache repository.ResponseCache = storeCache
	if redisClient != nil {
		cache = repository.NewFailoverCache(repository.NewRedisCache(redisClient), storeCache, logger)
	}

	opts := engine.Options{
		MaxRetries:      cfg.Sync.MaxRetries,
		DefaultCacheTTL: cfg.DefaultCacheTTL(),
		CleanupInterval: cfg.CleanupInterval(),
		Backoff: engine.RetryPolicy{
			InitialDelay:  time.Duration(cfg.Sync.BackoffInitialMs) * time.Millisecond,
			MaxDelay:      time.Duration(cfg.Sync.BackoffMaxMs) * time.Millisecond,
			BackoffFactor: cfg.Sync.BackoffFactor,
		},
	}

	monitor := connectivity.New(false, logger)
	eng := engine.New(s, queue.New(s, logger), monitor, replayer, cache, redisClient, logger, opts)

	cleanup := func() {
		s.Close()
		if redisClient != nil {
			redisClient.Close()
		}
	}
	return eng, monitor, cleanup, nil
}

// probeConnectivity is the daemon's platform binding: it reports
// reachability edges of the remote API into the monitor.
func probeConnectivity(ctx context.Context, baseURL string, monitor *connectivity.Monitor, logger *zerolog.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	check := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			monitor.SetOnline(false)
			return
		}
		resp.Body.Close()
		monitor.SetOnline(true)
	}

	check()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
