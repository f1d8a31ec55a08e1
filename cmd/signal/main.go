package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/infrastructure/distributed"
	"callengine/internal/infrastructure/middleware"
	"callengine/internal/infrastructure/monitoring"
	repositories "callengine/internal/infrastructure/repositories"
	"callengine/internal/infrastructure/signal"
	httphandlers "callengine/internal/handlers/http"
	"callengine/pkg/auth"
	"callengine/pkg/config"
	"callengine/pkg/logger"
	"callengine/pkg/tracing"
	"callengine/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, path, err := config.LoadFirst(
		"configs/config.yaml",
		"/etc/callengine/config.yaml",
		"config.yaml",
	)
	if err != nil {
		logger.New("info").Sugar().Fatalw("invalid configuration", "path", path, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "path", path)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceID := utils.GenerateID("relay")
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	relayCfg := signal.RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	relay := signal.NewRelayServer(relayCfg, log.With("instance_id", instanceID))

	collector := monitoring.NewPrometheusCollector(nil)
	relay.SetMetrics(collector)

	health := monitoring.NewHealthChecker()

	// Redis connects relay instances: presence tells where a user is and the
	// bus carries messages to that instance.
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	var presence *distributed.PresenceRegistry
	if client := repoFactory.RedisClient(); client != nil {
		presence = distributed.NewPresenceRegistry(client, instanceID, log)
		bus := distributed.NewEventBus(client, presence, instanceID, cfg.Redis.EventsChannel, log)
		relay.SetPresence(presence)
		relay.SetForwarder(bus)
		health.AddRedisCheck(client, 2*time.Second)

		go func() {
			err := bus.Subscribe(ctx, distributed.Handlers{
				OnSignal: func(msg domain.SignalMessage) {
					if !relay.Deliver(msg) {
						log.Debugw("forwarded message for user no longer here", "to", msg.To, "type", msg.Type)
					}
				},
			})
			if err != nil && ctx.Err() == nil {
				log.Errorw("event bus subscription ended", "error", err)
			}
		}()
		go presence.RunRefresher(ctx, cfg.Monitoring.PresenceRefresh, relay.ConnectedUsers)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	requestLog := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.AccessLogMiddleware(requestLog),
		middleware.ErrorHandlerMiddleware(requestLog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	httphandlers.NewHealthHandler(health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.GET("/ws",
		middleware.NewWebSocketRateLimitMiddleware(cfg),
		middleware.AuthMiddleware(tokens),
		relay.Handler(),
	)

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Signal.Address, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	relay.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	cancel()

	if presence != nil {
		if err := presence.CleanupInstance(shutdownCtx); err != nil {
			log.Warnw("failed to clean up presence", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer", "error", err)
	}
	log.Info("signaling relay stopped")
}
