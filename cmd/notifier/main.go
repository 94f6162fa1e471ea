package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairline/realtime/internal/config"
	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/messaging"
	"github.com/pairline/realtime/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	log.Info().Msg("starting pairline notifier")

	if cfg.RedisAddr == "" || cfg.NATSURL == "" {
		log.Fatal().Msg("REDIS_ADDR and NATS_URL are required")
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "pairline-notifier"

	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	svc := notify.NewService(rdb, natsClient, log)
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start notifier")
	}

	httpServer := &http.Server{
		Addr:    cfg.NotifierAddr,
		Handler: notify.NewRouter(svc, cfg.CallTimeout, log),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("notifier http server failed")
		}
	}()

	log.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", natsConfig.URL).
		Str("http_addr", cfg.NotifierAddr).
		Msg("pairline notifier running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	shutdownCancel()

	svc.Stop()
	natsClient.Close()
	rdb.Close()
}

var (
	_ notify.Subscriber = (*messaging.NATSClient)(nil)
	_ notify.State      = (*notify.Service)(nil)
)
