package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/api"
	"github.com/pairline/realtime/internal/auth"
	"github.com/pairline/realtime/internal/config"
	"github.com/pairline/realtime/internal/hub"
	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/messaging"
	"github.com/pairline/realtime/internal/ratelimit"
	"github.com/pairline/realtime/internal/session"
	"github.com/pairline/realtime/internal/store/memstore"
	"github.com/pairline/realtime/internal/store/mongostore"
	"github.com/pairline/realtime/internal/store/postgres"
	"github.com/pairline/realtime/internal/ws"
)

// backend is what every store implementation provides.
type backend interface {
	hub.UserGateway
	hub.MessageStore
	api.HistoryStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("server", cfg.ServerName).Logger()
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Str("store", cfg.StoreBackend).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Bool("token_auth", cfg.JWTSecret != "").
		Msg("pairline realtime server starting")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Store ---
	store, closeStore := openBackend(ctx, cfg, log)
	defer closeStore()

	coord := hub.NewCoordinator(store, store, log)
	coord.SetCallTimeout(cfg.CallTimeout)

	// --- Redis: session mirror and rate limiting ---
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		sessions, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, running without session mirror and rate limits")
		} else {
			defer sessions.Close()
			coord.SetSessionStates(sessions)
			limiter = ratelimit.NewLimiter(sessions.Client(), log)
		}
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, running without event bus")
		} else {
			defer natsClient.Close()
			coord.SetEventPublisher(natsClient)
		}
	}

	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty: identify trusts client-supplied user ids")
	}
	verifier := auth.NewVerifier(cfg.JWTSecret, "")

	// --- WebSocket server ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.SendQueueSize = cfg.SendQueueSize

	dispatcher := ws.NewMessageDispatcher(nil, log)
	server := ws.NewServer(wsConfig, log, dispatcher.Dispatch)
	dispatcher.SetWriter(server)
	coord.SetSender(server)

	events := api.NewEvents(ctx, coord, verifier, rateLimiter(limiter), server, log)
	events.Register(dispatcher)
	server.SetOnConnect(events.OnConnect)
	server.SetOnDisconnect(events.OnDisconnect)

	router := api.NewRouter(api.RouterConfig{
		Upgrade:  server.HandleUpgrade,
		Stats:    coord.Stats,
		Uptime:   server.Uptime,
		History:  store,
		Verifier: verifier,
		Timeout:  cfg.CallTimeout,
		Logger:   log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(router)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	stop()

	stats := coord.Stats()
	log.Info().Int("sessions", stats.Sessions).Int("waiting", stats.Waiting).Msg("server stopped")
}

// rateLimiter keeps a nil limiter a nil interface so Events skips the check.
func rateLimiter(l *ratelimit.Limiter) api.RateLimiter {
	if l == nil {
		return nil
	}
	return l
}

// openBackend connects the configured store. Failing to reach a configured
// database is fatal.
func openBackend(ctx context.Context, cfg config.Config, log zerolog.Logger) (backend, func()) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendMongo:
		s, err := mongostore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to MongoDB")
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("closing MongoDB")
			}
		}

	case config.BackendMemory:
		log.Warn().Msg("using the in-memory store; nothing is persisted")
		return memstore.New(), func() {}

	default:
		s, err := postgres.Open(connectCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("closing PostgreSQL")
			}
		}
	}
}

// Compile-time checks that the transport and adapters satisfy the
// coordinator's collaborator interfaces.
var (
	_ hub.Sender         = (*ws.Server)(nil)
	_ hub.EventPublisher = (*messaging.NATSClient)(nil)
	_ hub.SessionStates  = (*session.Store)(nil)
	_ backend            = (*postgres.Store)(nil)
	_ backend            = (*mongostore.Store)(nil)
	_ backend            = (*memstore.Store)(nil)
)
