// Command dataverse-proxy exposes batched entity writes of one Dataverse
// environment over a small JSON API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/cache"
	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/Sternrassler/dataverse-client/pkg/coordinator"
	"github.com/Sternrassler/dataverse-client/pkg/dataverse"
	"github.com/Sternrassler/dataverse-client/pkg/logging"
	"github.com/Sternrassler/dataverse-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := loadConfig(nil)
	if err != nil {
		fallback := logging.Setup(logging.DefaultConfig())
		fallback.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.Setup(logging.Config{
		Level:  level,
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
		Fields: map[string]string{"environment": cfg.EnvironmentURL},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, closeFn, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start")
	}
	defer closeFn()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	logger.Info().
		Str("addr", httpServer.Addr).
		Str("mode", cfg.BatchMode).
		Bool("redis", cfg.RedisURL != "").
		Msg("Starting Dataverse proxy server")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server stopped")
}

// build wires the client stack. Redis is optional; without it schemas are
// cached per process and service protection state is not tracked.
func build(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Server, func(), error) {
	closeFn := func() {}

	apiCfg := client.DefaultConfig(cfg.EnvironmentURL, &http.Client{
		Transport: &bearerTransport{token: cfg.Token},
	})
	apiCfg.Logger = &logger

	dvCfg := dataverse.DefaultConfig()
	dvCfg.Mode = coordinator.Mode(cfg.BatchMode)
	dvCfg.SchemaTTL = cfg.SchemaTTL
	dvCfg.Logger = &logger

	if cfg.RedisURL != "" {
		opts, err := cfg.redisOptions()
		if err != nil {
			return nil, nil, err
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, err
		}
		closeFn = func() { redisClient.Close() }
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

		schemaCache, err := cache.NewManager(redisClient)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		dvCfg.SchemaCache = schemaCache

		apiCfg.Limiter = ratelimit.NewTracker(redisClient, cfg.EnvironmentURL,
			logger.With().Str("component", "ratelimit").Logger())
	}

	api, err := client.New(apiCfg)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	dv, err := dataverse.New(api, dvCfg)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return NewServer(dv, cfg.MaxRetries, logger), closeFn, nil
}
